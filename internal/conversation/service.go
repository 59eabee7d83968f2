// ABOUTME: Central conversation layer: sends messages to the human and correlates replies.
// ABOUTME: All traffic flows through here - the ledger records first, then the channel acts.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courier-mcp/courier/internal/ledger"
	"github.com/courier-mcp/courier/internal/pending"
)

// ErrEmptyMessage indicates the caller supplied a blank message.
var ErrEmptyMessage = errors.New("message must not be empty")

// ErrDeliveryFailed indicates the channel could not transmit the message.
var ErrDeliveryFailed = errors.New("message delivery failed")

// DefaultWaitTimeout is used when a request asks to wait without a timeout.
const DefaultWaitTimeout = 5 * time.Minute

// Status is the terminal outcome of a send. Timeouts and cancellations
// are statuses, not errors; only delivery and validation failures error.
type Status string

const (
	StatusSent      Status = "sent"
	StatusReplied   Status = "replied"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Transport defines what the service needs from the messaging channel.
type Transport interface {
	Send(ctx context.Context, text string) error
}

// Config holds the collaborators and policy for a Service.
type Config struct {
	Transport Transport
	Ledger    *ledger.Ledger
	Registry  *pending.Registry

	// AuthorizedSender is the only sender identity whose inbound
	// messages are recorded and may resolve waits.
	AuthorizedSender string

	// DefaultTimeout bounds waits that don't carry their own timeout.
	DefaultTimeout time.Duration

	// SanitizeOutbound escapes markdown control characters before
	// transmission. The ledger always records the original text.
	SanitizeOutbound bool

	Logger *slog.Logger
}

// Service coordinates outbound sends, suspended waits, and inbound
// resolution. Many sends may be suspended concurrently; inbound
// delivery runs on its own path and never blocks behind a wait.
type Service struct {
	transport  Transport
	ledger     *ledger.Ledger
	registry   *pending.Registry
	authorized string
	defTimeout time.Duration
	sanitize   bool
	logger     *slog.Logger
}

// New creates a conversation service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &Service{
		transport:  cfg.Transport,
		ledger:     cfg.Ledger,
		registry:   cfg.Registry,
		authorized: cfg.AuthorizedSender,
		defTimeout: timeout,
		sanitize:   cfg.SanitizeOutbound,
		logger:     logger.With("component", "conversation"),
	}
}

// SetTransport installs the outbound channel. Used when the transport
// and the service reference each other and must be built in sequence.
// Must be called before the first SendToHuman.
func (s *Service) SetTransport(t Transport) {
	s.transport = t
}

// SendRequest describes an outbound message and its wait directive.
type SendRequest struct {
	Message string
	Wait    bool
	Timeout time.Duration // zero means the configured default
}

// SendResult is the outcome of SendToHuman. Reply is set only when
// Status is StatusReplied.
type SendResult struct {
	Status Status
	Reply  string
}

// SendToHuman records the message, transmits it, and optionally
// suspends the caller until the human replies, the timeout elapses, or
// ctx is cancelled. The registry holds no slot for this request after
// return, whichever way it ends.
func (s *Service) SendToHuman(ctx context.Context, req SendRequest) (*SendResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	outText := req.Message
	if s.sanitize {
		outText = EscapeMarkdown(outText)
	}

	// Record first, then act: history reflects intent even if the
	// channel fails, and stores the pre-sanitization text.
	s.ledger.Append(ledger.Message{
		Direction: ledger.DirectionOutbound,
		Body:      req.Message,
		Timestamp: time.Now(),
	})

	if err := s.transport.Send(ctx, outText); err != nil {
		s.logger.Error("outbound delivery failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.logger.Info("message sent to human",
		"wait", req.Wait,
		"preview", preview(req.Message),
	)

	if !req.Wait {
		return &SendResult{Status: StatusSent}, nil
	}

	return s.awaitReply(ctx, req.Timeout)
}

// awaitReply registers a wait slot and suspends until it terminates.
func (s *Service) awaitReply(ctx context.Context, timeout time.Duration) (*SendResult, error) {
	if timeout <= 0 {
		timeout = s.defTimeout
	}

	key := uuid.New().String()
	w, err := s.registry.Begin(key)
	if err != nil {
		// Keys are fresh UUIDs; a collision here is a bug, not a
		// recoverable condition.
		s.logger.Error("wait registration failed", "key", key, "error", err)
		return nil, err
	}

	// Scoped cleanup: whatever path exits this function, the slot is
	// gone from the registry afterwards. No-op once terminal.
	defer s.registry.Abandon(key, pending.StateCancelled)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.Done():
		if w.State() == pending.StateResolved {
			return &SendResult{Status: StatusReplied, Reply: w.Reply()}, nil
		}
		// Woken by shutdown.
		return &SendResult{Status: StatusCancelled}, nil

	case <-timer.C:
		if !s.registry.Abandon(key, pending.StateTimedOut) {
			// A reply won the race against the deadline.
			<-w.Done()
			if w.State() == pending.StateResolved {
				return &SendResult{Status: StatusReplied, Reply: w.Reply()}, nil
			}
			return &SendResult{Status: StatusCancelled}, nil
		}
		s.logger.Info("wait timed out", "key", key, "timeout", timeout)
		return &SendResult{Status: StatusTimedOut}, nil

	case <-ctx.Done():
		if !s.registry.Abandon(key, pending.StateCancelled) {
			<-w.Done()
			if w.State() == pending.StateResolved {
				return &SendResult{Status: StatusReplied, Reply: w.Reply()}, nil
			}
		}
		s.logger.Info("wait cancelled", "key", key)
		return &SendResult{Status: StatusCancelled}, nil
	}
}

// HandleInbound processes a message arriving from the channel. It is
// the trust boundary: unauthorized senders are dropped silently, and no
// error ever propagates back to the transport.
func (s *Service) HandleInbound(senderID, body string) {
	if senderID != s.authorized {
		s.logger.Debug("dropping message from unauthorized sender", "sender", senderID)
		return
	}

	s.ledger.Append(ledger.Message{
		Direction: ledger.DirectionInbound,
		Body:      body,
		Timestamp: time.Now(),
	})

	if s.registry.ResolveLatest(body) {
		s.logger.Info("reply delivered to waiting request", "preview", preview(body))
		return
	}
	// Nothing waiting: the human messaged proactively, or the relevant
	// wait already timed out. Recorded, nothing to wake.
	s.logger.Debug("inbound message with no outstanding wait", "preview", preview(body))
}

// History returns up to limit recent messages, oldest first.
func (s *Service) History(limit int) []ledger.Message {
	return s.ledger.Recent(limit)
}

// ClearHistory empties the ledger and returns the removed count.
func (s *Service) ClearHistory() int {
	n := s.ledger.Clear()
	s.logger.Info("conversation history cleared", "removed", n)
	return n
}

// PendingWaits returns the number of suspended requests.
func (s *Service) PendingWaits() int {
	return s.registry.Len()
}

// Shutdown wakes every suspended caller with a cancelled outcome.
// Called before the process releases the registry.
func (s *Service) Shutdown() {
	if n := s.registry.CancelAll(); n > 0 {
		s.logger.Info("cancelled outstanding waits", "count", n)
	}
}

// previewLen caps how much message text appears in logs.
const previewLen = 50

// preview shortens a message body for logging.
func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewLen {
		return s
	}
	return string(runes[:previewLen]) + "..."
}
