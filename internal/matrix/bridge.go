// ABOUTME: Matrix transport for courier.
// ABOUTME: Sends outbound messages to the configured room and feeds inbound replies to the router.

package matrix

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/courier-mcp/courier/internal/dedupe"
)

// sendTimeout bounds a single send to the homeserver.
const sendTimeout = 30 * time.Second

// dedupeTTL and dedupeMax bound the replayed-event cache. Sync replays
// cluster around reconnects, so a few minutes of memory is enough.
const (
	dedupeTTL = 5 * time.Minute
	dedupeMax = 10_000
)

// InboundHandler receives every text message from the configured room
// that was not sent by the bridge user itself.
type InboundHandler func(senderID, body string)

// Config holds the Matrix connection settings for the bridge.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// Bridge connects courier to a Matrix homeserver. One room, one human.
type Bridge struct {
	config  Config
	client  *mautrix.Client
	handler InboundHandler
	seen    *dedupe.Seen
	logger  *slog.Logger
	synced  atomic.Bool
}

// NewBridge creates a Matrix bridge. The handler is invoked from the
// sync goroutine; it must not block.
func NewBridge(cfg Config, handler InboundHandler, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config:  cfg,
		client:  client,
		handler: handler,
		seen:    dedupe.New(dedupeTTL, dedupeMax),
		logger:  logger,
	}, nil
}

// Send posts text to the configured room. The body is treated as
// markdown and rendered to HTML for the formatted variant; clients
// without HTML support fall back to the plain body.
func (b *Bridge) Send(ctx context.Context, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	var htmlBuf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &htmlBuf); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = htmlBuf.String()
	}

	_, err := b.client.SendMessageEvent(sendCtx, id.RoomID(b.config.RoomID), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("sending to room %s: %w", b.config.RoomID, err)
	}
	return nil
}

// Run starts the sync loop and blocks until ctx is cancelled or sync
// fails.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Homeserver,
		"user_id", b.config.UserID,
		"room", b.config.RoomID,
	)

	syncer, ok := b.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	syncErr := make(chan error, 1)
	go func() {
		b.synced.Store(true)
		syncErr <- b.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		b.synced.Store(false)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("matrix sync failed: %w", err)
		}
		return nil
	}
}

// Ready reports whether the sync loop is running.
func (b *Bridge) Ready() bool {
	return b.synced.Load()
}

// Close releases the replay cache.
func (b *Bridge) Close() {
	b.seen.Close()
}

// handleMessageEvent filters sync events down to fresh text messages
// from the configured room and hands them to the inbound handler.
// Sender authorization happens past this point, at the trust boundary.
func (b *Bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	// Ignore our own messages echoed back by sync.
	if evt.Sender == id.UserID(b.config.UserID) {
		return
	}

	if evt.RoomID != id.RoomID(b.config.RoomID) {
		b.logger.Debug("ignoring message from other room", "room", evt.RoomID.String())
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	if b.seen.Observe(evt.ID.String()) {
		b.logger.Debug("ignoring replayed event", "event_id", evt.ID.String())
		return
	}

	b.logger.Debug("received message",
		"sender", evt.Sender.String(),
		"event_id", evt.ID.String(),
	)

	b.handler(evt.Sender.String(), content.Body)
}
