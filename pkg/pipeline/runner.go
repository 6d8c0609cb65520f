// Package pipeline coordinates one model response end to end: it drives the
// agent event source through the event processor, buffers what must be
// persisted, and writes the final aggregated message exactly once per
// response.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/aggregate"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/store"
)

// Runner is the durable writer: the single component that turns one response
// stream into one stored message.
type Runner struct {
	processor *events.Processor
	store     store.Store
}

// NewRunner creates a Runner over the given processor and store.
func NewRunner(processor *events.Processor, st store.Store) *Runner {
	return &Runner{processor: processor, store: st}
}

// Run executes one generation to completion. It writes a pending placeholder
// on start, forwards every raw event to the processor (which sequences,
// reduces, and publishes), buffers the persistable ones, and on the terminal
// event aggregates and writes the final message. A source that ends without
// a terminal event gets a synthesized response_end; a cancelled context
// still aggregates what was buffered and stores the message as user_stopped.
//
// Returns the stored message. A store failure after retries returns the
// error with the message state intact so the caller can retry the write.
func (r *Runner) Run(ctx context.Context, req agent.Request, source agent.Source) (*models.Message, error) {
	responseID := req.ResponseID
	if responseID == "" {
		return nil, fmt.Errorf("generation requires a response id")
	}
	defer r.processor.Cleanup(responseID)

	start := events.NewResponseStartEvent(responseID, req.ParentID, req.ChatID, req.ModelID, req.ParentID, req.Task)
	var buffered []*events.Event
	if e := r.processor.Process(ctx, start); e != nil && e.Persist {
		buffered = append(buffered, e)
	}

	placeholder := models.NewResponsePlaceholder(responseID, req.ChatID, req.ParentID, req.ModelID)
	placeholder.UserID = req.UserID
	if err := r.store.PutMessage(ctx, placeholder); err != nil {
		// The final write still happens; a missing placeholder only costs
		// read-your-writes visibility during streaming.
		slog.Warn("Failed to write placeholder message",
			"response_id", responseID, "chat_id", req.ChatID, "error", err)
	}

	stream, err := source.Stream(ctx, req)
	if err != nil {
		slog.Error("Agent source failed to start",
			"response_id", responseID, "chat_id", req.ChatID, "error", err)
		errEvent := events.NewErrorEvent(responseID, events.ErrorTypeAgent,
			fmt.Sprintf("agent source failed: %v", err), nil)
		if e := r.processor.Process(ctx, errEvent); e != nil && e.Persist {
			buffered = append(buffered, e)
		}
		return r.finish(ctx, req, placeholder, buffered, errEvent, false)
	}

	var terminal *events.Event
	cancelled := false

consume:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break consume
		case raw, ok := <-stream:
			if !ok {
				break consume
			}
			e := r.processor.Process(ctx, raw)
			if e == nil {
				continue
			}
			if e.Persist {
				buffered = append(buffered, e)
			}
			if e.Terminal() {
				terminal = e
				break consume
			}
		}
	}

	if cancelled && terminal == nil {
		// The terminal path still runs: publish a synthetic end so clients
		// see the stream close, then store what was buffered.
		synth := events.NewResponseEndEvent(responseID, events.ResponseStatusCompleted, nil)
		synth.Details = map[string]any{"stop_reason": "user_stopped"}
		if e := r.processor.Process(context.WithoutCancel(ctx), synth); e != nil {
			terminal = e
			if e.Persist {
				buffered = append(buffered, e)
			}
		}
	} else if terminal == nil {
		// Source exhausted silently: synthesize a completed end (and publish
		// it) so exactly one message is still written.
		synth := events.NewResponseEndEvent(responseID, events.ResponseStatusCompleted, nil)
		if e := r.processor.Process(ctx, synth); e != nil {
			terminal = e
			if e.Persist {
				buffered = append(buffered, e)
			}
		}
	}

	return r.finish(ctx, req, placeholder, buffered, terminal, cancelled)
}

// finish aggregates the buffered events and writes the final message, then
// flips the originating request message out of pending.
func (r *Runner) finish(ctx context.Context, req agent.Request, msg *models.Message,
	buffered []*events.Event, terminal *events.Event, cancelled bool) (*models.Message, error) {

	writeCtx := context.WithoutCancel(ctx)

	msg.Parts = aggregate.Compact(buffered)
	msg.Status = finalStatus(terminal, cancelled)
	msg.Timestamp = time.Now().UTC()

	if snapshot, ok := r.processor.StateSnapshot(msg.MessageID); ok {
		msg.Metadata = snapshot.Metadata
		msg.Usage = snapshot.Usage
		if snapshot.ModelName != "" {
			msg.ModelName = snapshot.ModelName
		}
		if snapshot.Usage != nil {
			msg.SetMetadata("usage_info", snapshot.Usage)
		}
	}

	if err := r.store.PutMessage(writeCtx, msg); err != nil {
		slog.Error("Failed to write final message",
			"response_id", msg.MessageID, "chat_id", msg.ChatID, "error", err)
		return msg, fmt.Errorf("failed to persist response %s: %w", msg.MessageID, err)
	}

	r.completeRequest(writeCtx, req)

	slog.Info("Response persisted",
		"response_id", msg.MessageID, "chat_id", msg.ChatID,
		"status", msg.Status, "parts", len(msg.Parts))
	return msg, nil
}

// completeRequest flips the originating request message from pending to
// complete once its response is durable.
func (r *Runner) completeRequest(ctx context.Context, req agent.Request) {
	if req.ParentID == "" {
		return
	}
	parent, err := r.store.GetMessage(ctx, req.ChatID, req.ParentID)
	if err != nil {
		slog.Warn("Failed to load request message",
			"chat_id", req.ChatID, "message_id", req.ParentID, "error", err)
		return
	}
	if parent.Status != models.MessageStatusPending {
		return
	}
	if err := r.store.UpdateMessageStatus(ctx, req.ChatID, req.ParentID, models.MessageStatusComplete); err != nil {
		slog.Warn("Failed to complete request message",
			"chat_id", req.ChatID, "message_id", req.ParentID, "error", err)
	}
}

func finalStatus(terminal *events.Event, cancelled bool) models.MessageStatus {
	if cancelled {
		return models.MessageStatusUserStopped
	}
	if terminal == nil {
		return models.MessageStatusComplete
	}
	if terminal.Type == events.EventTypeError || terminal.Status == events.ResponseStatusError {
		return models.MessageStatusError
	}
	return models.MessageStatusComplete
}
