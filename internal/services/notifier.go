package services

import (
	"context"
	"fmt"

	"github.com/yungbote/batchd/internal/domain"
	"github.com/yungbote/batchd/internal/sse"
)

// Emitter is where lifecycle events go: the local SSE hub by default, or a
// redis bus when several nodes share one monitoring surface.
type Emitter interface {
	Emit(ctx context.Context, msg sse.Message) error
}

type localEmitter struct {
	hub *sse.Hub
}

func NewLocalEmitter(hub *sse.Hub) Emitter {
	return &localEmitter{hub: hub}
}

func (e *localEmitter) Emit(_ context.Context, msg sse.Message) error {
	e.hub.Publish(msg)
	return nil
}

// JobNotifier pushes instance lifecycle events to monitors. Best-effort:
// emission failures never fail the engine.
type JobNotifier interface {
	InstanceQueued(inst *domain.JobInstance)
	InstanceState(id int64, state domain.State, reason string)
	InstanceProgress(id int64, progress int)
	InstanceMessage(id int64, text string)
}

func InstanceChannel(id int64) string {
	return fmt.Sprintf("instance:%d", id)
}

type jobNotifier struct {
	emit Emitter
}

func NewJobNotifier(emit Emitter) JobNotifier {
	return &jobNotifier{emit: emit}
}

func (n *jobNotifier) publish(channel string, event sse.Event, data any) {
	if n == nil || n.emit == nil {
		return
	}
	_ = n.emit.Emit(context.Background(), sse.Message{Channel: channel, Event: event, Data: data})
}

func (n *jobNotifier) InstanceQueued(inst *domain.JobInstance) {
	if inst == nil {
		return
	}
	n.publish(InstanceChannel(inst.ID), sse.EventInstanceQueued, map[string]any{"instance": inst})
}

func (n *jobNotifier) InstanceState(id int64, state domain.State, reason string) {
	n.publish(InstanceChannel(id), sse.EventInstanceState, map[string]any{
		"instance_id": id,
		"state":       state,
		"reason":      reason,
	})
}

func (n *jobNotifier) InstanceProgress(id int64, progress int) {
	n.publish(InstanceChannel(id), sse.EventInstanceProgress, map[string]any{
		"instance_id": id,
		"progress":    progress,
	})
}

func (n *jobNotifier) InstanceMessage(id int64, text string) {
	n.publish(InstanceChannel(id), sse.EventInstanceMessage, map[string]any{
		"instance_id": id,
		"text":        text,
	})
}

type noopNotifier struct{}

// NewNoopNotifier is used by tests and by tools that embed the engine
// without a monitoring surface.
func NewNoopNotifier() JobNotifier { return noopNotifier{} }

func (noopNotifier) InstanceQueued(*domain.JobInstance)        {}
func (noopNotifier) InstanceState(int64, domain.State, string) {}
func (noopNotifier) InstanceProgress(int64, int)               {}
func (noopNotifier) InstanceMessage(int64, string)             {}
