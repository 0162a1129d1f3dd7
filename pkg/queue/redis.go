package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/dagforge/dagforge/pkg/models"
)

const (
	taskStreamPrefix   = "dagforge:tasks:"
	completionStream   = "dagforge:completions"
	cancelMarkerPrefix = "dagforge:cancelled:"
	consumerGroup      = "dagforge-workers"
	completionGroup    = "dagforge-orchestrator"
	cancelMarkerTTL    = 24 * time.Hour
	readBlock          = 5 * time.Second
)

// RedisBroker is a Broker over redis streams. Each task kind gets its
// own stream with a shared consumer group, so dispatch fan-out across
// worker processes comes from redis delivery, not from this code.
type RedisBroker struct {
	client   *redis.Client
	identity string
}

// NewRedisBroker wraps an existing client. identity names this process
// as a stream consumer; it must differ between worker processes.
func NewRedisBroker(client *redis.Client, identity string) *RedisBroker {
	return &RedisBroker{client: client, identity: identity}
}

func taskStream(kind models.TaskKind) string {
	return taskStreamPrefix + string(kind)
}

func (b *RedisBroker) Submit(ctx context.Context, msg TaskMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode task message")
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: taskStream(msg.Kind),
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
	return errors.Wrapf(err, "submit task %s to %s", msg.TaskExecutionID, taskStream(msg.Kind))
}

func (b *RedisBroker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create consumer group on %s", stream)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, kind models.TaskKind, handler TaskHandler) error {
	stream := taskStream(kind)
	if err := b.ensureGroup(ctx, stream, consumerGroup); err != nil {
		return err
	}
	return b.consumeStream(ctx, stream, consumerGroup, func(payload []byte, msgID string) {
		var msg TaskMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Malformed entries are acked and dropped, not redelivered forever.
			return
		}
		handler(ctx, msg)
	})
}

func (b *RedisBroker) PublishCompletion(ctx context.Context, msg CompletionMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode completion message")
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: completionStream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
	return errors.Wrapf(err, "publish completion for %s", msg.TaskExecutionID)
}

func (b *RedisBroker) ConsumeCompletions(ctx context.Context, handler CompletionHandler) error {
	if err := b.ensureGroup(ctx, completionStream, completionGroup); err != nil {
		return err
	}
	return b.consumeStream(ctx, completionStream, completionGroup, func(payload []byte, msgID string) {
		var msg CompletionMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		handler(ctx, msg)
	})
}

// consumeStream reads one message at a time from a consumer group and
// acks after the handler returns. A handler crash leaves the entry
// pending, so another consumer can claim it later.
func (b *RedisBroker) consumeStream(ctx context.Context, stream, group string, handle func(payload []byte, msgID string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.identity,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				if payload, ok := m.Values["payload"].(string); ok {
					handle([]byte(payload), m.ID)
				}
				b.client.XAck(ctx, stream, group, m.ID)
			}
		}
	}
}

func (b *RedisBroker) MarkCancelled(ctx context.Context, executionID string) error {
	err := b.client.Set(ctx, cancelMarkerPrefix+executionID, "1", cancelMarkerTTL).Err()
	return errors.Wrapf(err, "mark execution %s cancelled", executionID)
}

func (b *RedisBroker) IsCancelled(ctx context.Context, executionID string) (bool, error) {
	n, err := b.client.Exists(ctx, cancelMarkerPrefix+executionID).Result()
	if err != nil {
		return false, errors.Wrapf(err, "check cancel marker for %s", executionID)
	}
	return n > 0, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
