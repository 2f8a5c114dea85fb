package apperrors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ErrorSeverity uint8

const (
	Warning ErrorSeverity = iota
	Critical
)

func (s ErrorSeverity) String() string {
	if s == Critical {
		return "critical"
	}
	return "warning"
}

type Error struct {
	Id          string
	Err         error
	Message     string
	Severity    ErrorSeverity
	Time        time.Time
	ComponentId string
}

func newError(severity ErrorSeverity, component, msg string, err error) *Error {
	return &Error{
		Id:          uuid.NewString(),
		Err:         err,
		Message:     msg,
		Severity:    severity,
		Time:        time.Now(),
		ComponentId: component,
	}
}

// Fatal marks an error the session cannot recover from.
func Fatal(component, msg string, err error) *Error {
	return newError(Critical, component, msg, err)
}

func Warn(component, msg string, err error) *Error {
	return newError(Warning, component, msg, err)
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsFatal(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Severity == Critical
}

// ErrorHandler collects errors reported by background tasks. Warnings are
// logged; the first critical error cancels the session context.
type ErrorHandler struct {
	log    zerolog.Logger
	recvCh chan *Error
	cancel context.CancelFunc

	mu    sync.Mutex
	fatal *Error
}

func NewErrorHandler(log zerolog.Logger, cancel context.CancelFunc) *ErrorHandler {
	return &ErrorHandler{
		log:    log,
		recvCh: make(chan *Error, 256),
		cancel: cancel,
	}
}

// Report never blocks; errors beyond the buffer are logged and dropped.
func (h *ErrorHandler) Report(err *Error) {
	select {
	case h.recvCh <- err:
	default:
		h.log.Error().Err(err).Str("id", err.Id).Msg("error queue full, dropping")
	}
}

func (h *ErrorHandler) Run(ctx context.Context) {
	for {
		select {
		case msg := <-h.recvCh:
			h.handle(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (h *ErrorHandler) handle(msg *Error) {

	ev := h.log.Warn()
	if msg.Severity == Critical {
		ev = h.log.Error()
	}
	ev.Err(msg.Err).
		Str("id", msg.Id).
		Str("component", msg.ComponentId).
		Stringer("severity", msg.Severity).
		Time("at", msg.Time).
		Msg(msg.Message)

	if msg.Severity != Critical {
		return
	}

	h.mu.Lock()
	if h.fatal == nil {
		h.fatal = msg
	}
	h.mu.Unlock()

	h.cancel()
}

// Fatal returns the first critical error seen, if any.
func (h *ErrorHandler) Fatal() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal == nil {
		return nil
	}
	return h.fatal
}
