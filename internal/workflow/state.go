package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type InterruptType string

const (
	InterruptWaitingForJob     InterruptType = "waiting_for_job"
	InterruptWaitingForBatch   InterruptType = "waiting_for_batch"
	InterruptRetryExhausted    InterruptType = "llm_retry_exhausted"
	InterruptModelIntervention InterruptType = "llm_intervention"
)

// Interrupt describes why a pipeline is suspended. At most one is pending
// per project checkpoint.
type Interrupt struct {
	Type                 InterruptType  `json:"type"`
	Error                string         `json:"error,omitempty"`
	ErrorDetails         string         `json:"errorDetails,omitempty"`
	FunctionName         string         `json:"functionName,omitempty"`
	NodeName             string         `json:"nodeName"`
	ProjectID            string         `json:"projectId"`
	Attempt              int            `json:"attempt,omitempty"`
	LastAttemptTimestamp string         `json:"lastAttemptTimestamp,omitempty"`
	Params               map[string]any `json:"params,omitempty"`
	Remaining            int            `json:"remaining,omitempty"`
}

// ErrorRecord accumulates non-fatal stage errors, including operator skips.
type ErrorRecord struct {
	NodeName  string `json:"nodeName"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// State is the workflow state channel, persisted as one checkpoint row after
// every stage transition.
type State struct {
	CurrentStage      Stage             `json:"currentStage"`
	NodeAttempts      map[string]int    `json:"nodeAttempts"`
	JobIDs            map[string]string `json:"jobIds"`
	NodeVersions      map[string]int    `json:"nodeVersions,omitempty"`
	RetryGrants       map[string]bool   `json:"retryGrants,omitempty"`
	Errors            []ErrorRecord     `json:"errors,omitempty"`
	PendingInterrupt  *Interrupt        `json:"pendingInterrupt,omitempty"`
	InterruptResolved bool              `json:"interruptResolved,omitempty"`
	RevisedParams     map[string]any    `json:"revisedParams,omitempty"`
}

func NewState() *State {
	return &State{
		CurrentStage: StageStart,
		NodeAttempts: map[string]int{},
		JobIDs:       map[string]string{},
	}
}

func (s *State) RecordJob(nodeName, jobID string) {
	if s.JobIDs == nil {
		s.JobIDs = map[string]string{}
	}
	s.JobIDs[nodeName] = jobID
}

func (s *State) BumpAttempt(stage Stage) int {
	if s.NodeAttempts == nil {
		s.NodeAttempts = map[string]int{}
	}
	s.NodeAttempts[string(stage)]++
	return s.NodeAttempts[string(stage)]
}

// PinVersion returns the target asset version for a node, computing and
// recording it on first use. The pin survives checkpointing, so the job key
// a stage derives from it stays stable across suspend and resume even after
// the worker appends the version to the registry.
func (s *State) PinVersion(node string, compute func() (int, error)) (int, error) {
	if v, ok := s.NodeVersions[node]; ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return 0, err
	}
	if s.NodeVersions == nil {
		s.NodeVersions = map[string]int{}
	}
	s.NodeVersions[node] = v
	return v, nil
}

// UnpinVersion drops the pin once the node's job completed. The next pass
// through the node, a regeneration, computes a fresh target version.
func (s *State) UnpinVersion(node string) {
	delete(s.NodeVersions, node)
}

// GrantRetry authorizes one fresh job row for a node whose attempt budget is
// spent. Set by the operator when an intervention resolves with retry.
func (s *State) GrantRetry(node string) {
	if s.RetryGrants == nil {
		s.RetryGrants = map[string]bool{}
	}
	s.RetryGrants[node] = true
}

func (s *State) RetryGranted(node string) bool {
	return s.RetryGrants[node]
}

// ConsumeRetryGrant reports whether a grant exists for the node and spends
// it.
func (s *State) ConsumeRetryGrant(node string) bool {
	if !s.RetryGrants[node] {
		return false
	}
	delete(s.RetryGrants, node)
	return true
}

func (s *State) RecordError(nodeName, msg string) {
	s.Errors = append(s.Errors, ErrorRecord{
		NodeName:  nodeName,
		Error:     msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *State) Encode() (datatypes.JSON, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode state: %w", err)
	}
	return datatypes.JSON(b), nil
}

func DecodeState(raw datatypes.JSON) (*State, error) {
	st := NewState()
	if len(raw) == 0 || string(raw) == "null" {
		return st, nil
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("workflow: decode state: %w", err)
	}
	if st.NodeAttempts == nil {
		st.NodeAttempts = map[string]int{}
	}
	if st.JobIDs == nil {
		st.JobIDs = map[string]string{}
	}
	return st, nil
}

// Suspension is the control-flow signal a stage returns when it must yield.
// It carries the interrupt that the interpreter writes into the checkpoint.
type Suspension struct {
	Interrupt Interrupt
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("workflow suspended at %s (%s)", s.Interrupt.NodeName, s.Interrupt.Type)
}

func Suspend(i Interrupt) error {
	if i.LastAttemptTimestamp == "" {
		i.LastAttemptTimestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return &Suspension{Interrupt: i}
}
