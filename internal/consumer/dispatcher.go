package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/reconcile"
)

// Workflows is implemented by *reconcile.Engine.
type Workflows interface {
	Create(ctx context.Context, ev *models.LifecycleEvent) (reconcile.Result, error)
	Delete(ctx context.Context, ev *models.LifecycleEvent) (reconcile.Result, error)
}

// Outcome describes one dispatched message. Fields are filled as far as
// decoding got, so a failed dispatch still says what it was about.
type Outcome struct {
	EventType string
	Event     *models.LifecycleEvent
	Result    string
}

// Dispatcher decodes a message body and routes it to a workflow.
type Dispatcher struct {
	workflows Workflows
	logger    *zap.Logger
}

func NewDispatcher(w Workflows, logger *zap.Logger) (*Dispatcher, error) {
	if w == nil {
		return nil, fmt.Errorf("workflows are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Dispatcher{workflows: w, logger: logger}, nil
}

// Dispatch handles one broker message body. Unsupported event types are
// reported as ignored without touching any workflow.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (Outcome, error) {
	msg, err := models.Unwrap(body)
	if err != nil {
		return Outcome{}, err
	}
	eventType, err := models.PeekEventType(msg)
	if err != nil {
		return Outcome{}, err
	}
	// the body carries the caller's auth token; never log it
	d.logger.Debug("new message", zap.String("event_type", eventType), zap.Int("bytes", len(body)))
	out := Outcome{EventType: eventType}
	if !models.IsSupported(eventType) {
		d.logger.Info("ignoring event", zap.String("event_type", eventType))
		out.Result = models.OutcomeIgnored
		return out, nil
	}

	ev, err := models.DecodeEvent(msg)
	if err != nil {
		return out, err
	}
	out.Event = ev
	d.logger.Debug("decoded event",
		zap.String("event_type", ev.EventType), zap.String("instance_id", ev.Payload.InstanceID))

	var res reconcile.Result
	switch ev.EventType {
	case models.EventCreate:
		res, err = d.workflows.Create(ctx, ev)
	case models.EventDelete:
		res, err = d.workflows.Delete(ctx, ev)
	default:
		return out, &models.ValidationError{Field: "event_type", Reason: "unsupported " + ev.EventType}
	}
	if err != nil {
		return out, err
	}
	out.Result = string(res)
	return out, nil
}
