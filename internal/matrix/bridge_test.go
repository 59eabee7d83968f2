// ABOUTME: Tests for the Matrix bridge's inbound event filtering.

package matrix

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testRoom = "!room:example.org"
	testBot  = "@courier:example.org"
)

type captured struct {
	sender string
	body   string
}

func newTestBridge(t *testing.T) (*Bridge, *[]captured) {
	t.Helper()
	var got []captured
	b, err := NewBridge(Config{
		Homeserver:  "https://example.org",
		UserID:      testBot,
		AccessToken: "syt_test",
		RoomID:      testRoom,
	}, func(sender, body string) {
		got = append(got, captured{sender, body})
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b, &got
}

func textEvent(eventID, room, sender, body string) *event.Event {
	return &event.Event{
		ID:     id.EventID(eventID),
		RoomID: id.RoomID(room),
		Sender: id.UserID(sender),
		Type:   event.EventMessage,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

func TestBridge_HandleMessageEvent_DeliversTextMessages(t *testing.T) {
	b, got := newTestBridge(t)

	b.handleMessageEvent(context.Background(), textEvent("$1", testRoom, "@human:example.org", "hello"))

	require.Len(t, *got, 1)
	assert.Equal(t, "@human:example.org", (*got)[0].sender)
	assert.Equal(t, "hello", (*got)[0].body)
}

func TestBridge_HandleMessageEvent_IgnoresOwnMessages(t *testing.T) {
	b, got := newTestBridge(t)

	b.handleMessageEvent(context.Background(), textEvent("$1", testRoom, testBot, "echo"))

	assert.Empty(t, *got)
}

func TestBridge_HandleMessageEvent_IgnoresOtherRooms(t *testing.T) {
	b, got := newTestBridge(t)

	b.handleMessageEvent(context.Background(), textEvent("$1", "!elsewhere:example.org", "@human:example.org", "hi"))

	assert.Empty(t, *got)
}

func TestBridge_HandleMessageEvent_IgnoresNonText(t *testing.T) {
	b, got := newTestBridge(t)

	evt := textEvent("$1", testRoom, "@human:example.org", "image.png")
	evt.Content.Parsed.(*event.MessageEventContent).MsgType = event.MsgImage
	b.handleMessageEvent(context.Background(), evt)

	assert.Empty(t, *got)
}

func TestBridge_HandleMessageEvent_SuppressesReplays(t *testing.T) {
	b, got := newTestBridge(t)

	evt := textEvent("$same", testRoom, "@human:example.org", "once")
	b.handleMessageEvent(context.Background(), evt)
	b.handleMessageEvent(context.Background(), evt)

	assert.Len(t, *got, 1)
}
