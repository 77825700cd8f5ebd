package db

import (
	"errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

var (
	// ErrCircuitOpen is returned without touching the pool while the breaker
	// cool-down window is in effect.
	ErrCircuitOpen = errors.New("db: circuit open")
	// ErrPoolExhausted maps driver "too many clients" conditions.
	ErrPoolExhausted = errors.New("db: pool exhausted")
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitHalfOpen CircuitState = "half_open"
	CircuitOpen     CircuitState = "open"
)

// Breaker wraps gobreaker with the observer hooks the lock manager needs:
// when the circuit opens, every registered OnOpen callback fires
// synchronously so local leases can be dropped before any further DB call
// is attempted.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *logger.Logger

	mu     sync.RWMutex
	onOpen []func()
}

func NewBreaker(log *logger.Logger) *Breaker {
	b := &Breaker{log: log.With("component", "DBBreaker")}
	threshold := uint32(envutil.Int("DB_BREAKER_FAILURE_THRESHOLD", 5))
	cooldown := envutil.Seconds("DB_BREAKER_COOLDOWN_SECONDS", 30)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit state change", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				b.fireOnOpen()
			}
		},
	})
	return b
}

// OnOpen registers a callback invoked synchronously when the circuit trips.
func (b *Breaker) OnOpen(fn func()) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOpen = append(b.onOpen, fn)
}

func (b *Breaker) fireOnOpen() {
	b.mu.RLock()
	cbs := make([]func(), len(b.onOpen))
	copy(cbs, b.onOpen)
	b.mu.RUnlock()
	for _, fn := range cbs {
		fn()
	}
}

func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (b *Breaker) State() CircuitState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
