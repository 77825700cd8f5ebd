package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/videoforge-backend/internal/platform/envutil"
	"github.com/yungbote/videoforge-backend/internal/platform/logger"
)

// redisBus delivers through Redis Streams consumer groups. Each service
// passes its own group name, so every group sees every message while
// instances inside a group share the load. A message is acknowledged only
// after its handler returns nil; unacknowledged entries are reclaimed from
// dead consumers once they sit idle past the redelivery window.
type redisBus struct {
	log      *logger.Logger
	rdb      *goredis.Client
	group    string
	consumer string
}

func NewRedisBus(log *logger.Logger, group string) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisBus(log, rdb, group), nil
}

// NewRedisBusWithClient wires an existing client; tests inject miniredis
// through this.
func NewRedisBusWithClient(log *logger.Logger, rdb *goredis.Client, group string) Bus {
	return newRedisBus(log, rdb, group)
}

func newRedisBus(log *logger.Logger, rdb *goredis.Client, group string) *redisBus {
	if group == "" {
		group = "default"
	}
	consumer := envutil.String("WORKER_ID", "")
	if consumer == "" {
		consumer = group + "-" + uuid.New().String()[:8]
	}
	return &redisBus{
		log:      log.With("service", "RedisBus", "group", group),
		rdb:      rdb,
		group:    group,
		consumer: consumer,
	}
}

func (b *redisBus) Publish(ctx context.Context, topic string, msg Message) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"payload": string(raw)},
	}).Err()
}

// Subscribe consumes the topic stream on behalf of the bus's group until ctx
// is done. An empty types list matches everything. Entries are acknowledged
// after the handler returns nil; a handler error leaves the entry pending,
// and it is redelivered once idle past BUS_REDELIVERY_SECONDS.
func (b *redisBus) Subscribe(ctx context.Context, topic string, types []string, h Handler) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if h == nil {
		return fmt.Errorf("handler required")
	}

	err := b.rdb.XGroupCreateMkStream(ctx, topic, b.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis group %s on %s: %w", b.group, topic, err)
	}

	want := map[string]bool{}
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t != "" {
			want[t] = true
		}
	}

	minIdle := envutil.Seconds("BUS_REDELIVERY_SECONDS", 30)

	go func() {
		for ctx.Err() == nil {
			// Adopt entries a crashed or stalled consumer never acknowledged.
			claimed, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
				Stream:   topic,
				Group:    b.group,
				Consumer: b.consumer,
				MinIdle:  minIdle,
				Start:    "0",
				Count:    16,
			}).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				if ctx.Err() != nil {
					return
				}
				b.log.Warn("stream autoclaim failed", "topic", topic, "error", err)
			}
			b.deliver(ctx, topic, want, h, claimed)

			streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
				Group:    b.group,
				Consumer: b.consumer,
				Streams:  []string{topic, ">"},
				Count:    16,
				Block:    -1,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, goredis.Nil) {
					b.log.Warn("stream read failed", "topic", topic, "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			for _, s := range streams {
				b.deliver(ctx, topic, want, h, s.Messages)
			}
		}
	}()

	return nil
}

func (b *redisBus) deliver(ctx context.Context, topic string, want map[string]bool, h Handler, entries []goredis.XMessage) {
	for _, e := range entries {
		raw, _ := e.Values["payload"].(string)
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			b.log.Warn("bad bus payload", "topic", topic, "id", e.ID, "error", err)
			b.ack(ctx, topic, e.ID)
			continue
		}
		if len(want) > 0 && !want[msg.Type] {
			b.ack(ctx, topic, e.ID)
			continue
		}
		if err := h(ctx, msg); err != nil {
			// No ack: the entry stays pending and comes back through
			// autoclaim after the redelivery window.
			b.log.Warn("bus handler error", "topic", topic, "type", msg.Type, "project_id", msg.ProjectID, "error", err)
			continue
		}
		b.ack(ctx, topic, e.ID)
	}
}

func (b *redisBus) ack(ctx context.Context, topic, id string) {
	if err := b.rdb.XAck(ctx, topic, b.group, id).Err(); err != nil && ctx.Err() == nil {
		b.log.Warn("stream ack failed", "topic", topic, "id", id, "error", err)
	}
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
