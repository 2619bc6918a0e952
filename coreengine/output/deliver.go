package output

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/agentrelay/coreengine/a2a"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/logging"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/observability"
	"github.com/jeeves-cluster-organization/agentrelay/coreengine/orchestration"
)

// Frame event names.
const (
	EventA2A   = "a2a"
	EventDelta = "delta"
	EventFinal = "final"
	EventDone  = "done"
	EventError = "error"
)

// DefaultChunkSize is the delta size in runes.
const DefaultChunkSize = 48

// ErrDeliveryAborted is returned when the sink fails or the context ends
// mid-delivery. Frames already written stay written.
var ErrDeliveryAborted = errors.New("output: delivery aborted")

// Chunk splits text into pieces of at most size runes. Empty text yields no
// chunks.
func Chunk(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size < 1 {
		size = DefaultChunkSize
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// Deliverer streams a response to a sink as delta, final and done frames.
type Deliverer struct {
	ChunkSize int
	Logger    logging.Logger
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(chunkSize int, logger logging.Logger) *Deliverer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Deliverer{ChunkSize: chunkSize, Logger: logger.Bind("component", "output")}
}

// Deliver writes the answer in chunks, then the full response, then done.
// output.request is emitted before the first frame and output.done after the
// last one.
func (d *Deliverer) Deliver(
	ctx context.Context,
	sink Sink,
	resp orchestration.ResponsePayload,
	requestID string,
	emit a2a.Emitter,
) error {
	emit = a2a.Safe(emit)
	emit.Emit(a2a.NewMessage(a2a.Orchestrator, a2a.OutputAgent, a2a.TypeOutputRequest, requestID, map[string]any{
		"mode": "stream",
	}))

	chunks := Chunk(resp.Answer, d.ChunkSize)
	for _, chunk := range chunks {
		if err := d.write(ctx, sink, EventDelta, map[string]any{"chunk": chunk}); err != nil {
			return d.abort(requestID, err)
		}
	}
	if err := d.write(ctx, sink, EventFinal, resp); err != nil {
		return d.abort(requestID, err)
	}
	if err := d.write(ctx, sink, EventDone, map[string]any{"ok": true}); err != nil {
		return d.abort(requestID, err)
	}

	emit.Emit(a2a.NewMessage(a2a.OutputAgent, a2a.Orchestrator, a2a.TypeOutputDone, requestID, map[string]any{
		"delivered": true,
	}))
	d.logger().Debug("output_delivered", "request_id", requestID, "chunks", len(chunks))
	return nil
}

// DeliverError reports an upstream failure on the same sink: an error frame
// followed by done {ok:false}.
func (d *Deliverer) DeliverError(ctx context.Context, sink Sink, cause error, requestID string) error {
	payload := map[string]any{"message": cause.Error()}
	if requestID != "" {
		payload["requestId"] = requestID
	}
	if err := d.write(ctx, sink, EventError, payload); err != nil {
		return d.abort(requestID, err)
	}
	if err := d.write(ctx, sink, EventDone, map[string]any{"ok": false}); err != nil {
		return d.abort(requestID, err)
	}
	return nil
}

func (d *Deliverer) write(ctx context.Context, sink Sink, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sink.WriteFrame(event, payload); err != nil {
		return err
	}
	observability.RecordStreamFrame(event)
	return nil
}

func (d *Deliverer) abort(requestID string, cause error) error {
	d.logger().Warn("output_aborted", "request_id", requestID, "error", cause.Error())
	return fmt.Errorf("%w: %w", ErrDeliveryAborted, cause)
}

func (d *Deliverer) logger() logging.Logger {
	if d.Logger == nil {
		return logging.NewNop()
	}
	return d.Logger
}
