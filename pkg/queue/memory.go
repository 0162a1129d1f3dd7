package queue

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dagforge/dagforge/pkg/models"
)

const memoryQueueDepth = 1024

// MemoryBroker is an in-process Broker for embedded runs and tests.
// One buffered channel per task kind plus a completions channel.
type MemoryBroker struct {
	mu          sync.Mutex
	tasks       map[models.TaskKind]chan TaskMessage
	completions chan CompletionMessage
	cancelled   map[string]bool
	closed      bool
}

func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		tasks:       make(map[models.TaskKind]chan TaskMessage),
		completions: make(chan CompletionMessage, memoryQueueDepth),
		cancelled:   make(map[string]bool),
	}
	for _, kind := range models.Kinds() {
		b.tasks[kind] = make(chan TaskMessage, memoryQueueDepth)
	}
	return b
}

func (b *MemoryBroker) taskChan(kind models.TaskKind) (chan TaskMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker is closed")
	}
	ch, ok := b.tasks[kind]
	if !ok {
		return nil, errors.Errorf("no queue for kind %q", kind)
	}
	return ch, nil
}

func (b *MemoryBroker) Submit(ctx context.Context, msg TaskMessage) error {
	ch, err := b.taskChan(msg.Kind)
	if err != nil {
		return err
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.Errorf("queue for kind %q is full", msg.Kind)
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, kind models.TaskKind, handler TaskHandler) error {
	ch, err := b.taskChan(kind)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ctx, msg)
		}
	}
}

func (b *MemoryBroker) PublishCompletion(ctx context.Context, msg CompletionMessage) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("broker is closed")
	}
	select {
	case b.completions <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) ConsumeCompletions(ctx context.Context, handler CompletionHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-b.completions:
			if !ok {
				return nil
			}
			handler(ctx, msg)
		}
	}
}

func (b *MemoryBroker) MarkCancelled(ctx context.Context, executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[executionID] = true
	return nil
}

func (b *MemoryBroker) IsCancelled(ctx context.Context, executionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[executionID], nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
