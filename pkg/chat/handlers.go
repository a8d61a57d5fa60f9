package chat

import (
	"context"
	"fmt"
	"io"

	"github.com/acyhuang/chat-tree/pkg/events"
)

// WriterEventHandler renders stream events to a writer: deltas as they
// arrive, a newline on completion, and a note when the stream is interrupted
// or fails. Useful for terminal consumers.
type WriterEventHandler struct {
	w io.Writer
}

func NewWriterEventHandler(w io.Writer) *WriterEventHandler {
	return &WriterEventHandler{w: w}
}

var _ events.ChatEventHandler = (*WriterEventHandler)(nil)

func (h *WriterEventHandler) HandleStart(_ context.Context, _ *events.EventStart) error {
	return nil
}

func (h *WriterEventHandler) HandleExchangeCreated(_ context.Context, _ *events.EventExchangeCreated) error {
	return nil
}

func (h *WriterEventHandler) HandlePartialCompletion(_ context.Context, e *events.EventPartialCompletion) error {
	_, err := fmt.Fprint(h.w, e.Delta)
	return err
}

func (h *WriterEventHandler) HandleFinal(_ context.Context, _ *events.EventFinal) error {
	_, err := fmt.Fprintln(h.w)
	return err
}

func (h *WriterEventHandler) HandleError(_ context.Context, e *events.EventError) error {
	_, err := fmt.Fprintf(h.w, "\n** error: %s **\n", e.ErrorString)
	return err
}

func (h *WriterEventHandler) HandleInterrupt(_ context.Context, _ *events.EventInterrupt) error {
	_, err := fmt.Fprintln(h.w, "\n** interrupted **")
	return err
}
