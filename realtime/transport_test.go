package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

func TestClientAuthUserId(t *testing.T) {
	auth := &ClientAuth{
		ByJwt:      testByJwt("user-9"),
		InstanceId: NewId(),
	}
	userId, err := auth.UserId()
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, "user-9")
}

func TestPlatformChannelProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := websocket.Upgrader{}

	type serverState struct {
		mutex  sync.Mutex
		frames []any
		conns  []*websocket.Conn
	}
	state := &serverState{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// echo the auth frame to complete the handshake
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(messageType, message); err != nil {
			return
		}

		state.mutex.Lock()
		state.conns = append(state.conns, ws)
		state.mutex.Unlock()

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(message) == 0 {
				// ping
				continue
			}
			if m, err := DecodeFrame(message); err == nil {
				state.mutex.Lock()
				state.frames = append(state.frames, m)
				state.mutex.Unlock()
			}
		}
	}))
	defer server.Close()

	auth := &ClientAuth{
		ByJwt:      testByJwt("user-1"),
		InstanceId: NewId(),
		AppVersion: "0.0.0-test",
	}
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	provider := NewPlatformChannelProviderWithDefaults(ctx, wsUrl, auth)
	defer provider.Close()

	feed, err := provider.OpenChangeFeed(ctx, "list-1")
	assert.Equal(t, err, nil)
	defer feed.Close()

	presence, err := provider.OpenPresence(ctx, "list-1")
	assert.Equal(t, err, nil)
	defer presence.Close()

	err = presence.Track(ctx, &Participant{UserId: "user-1", Name: "Ana"})
	assert.Equal(t, err, nil)

	// the service observes the subscribe and track, direct or via the
	// connect replay
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state.mutex.Lock()
		defer state.mutex.Unlock()
		hasSubscribe := false
		hasTrack := false
		for _, frame := range state.frames {
			switch v := frame.(type) {
			case *Subscribe:
				if v.ListId == "list-1" {
					hasSubscribe = true
				}
			case *Track:
				if v.ListId == "list-1" && v.Participant["userId"] == "user-1" {
					hasTrack = true
				}
			}
		}
		return hasSubscribe && hasTrack
	}), true)

	state.mutex.Lock()
	ws := state.conns[0]
	state.mutex.Unlock()

	// push a change from the service side
	b, err := EncodeFrame(&ChangeNotify{
		ListId: "list-1",
		Change: &RawChange{
			Type: "insert",
			New:  map[string]any{"id": "item-1", "name": "Milk"},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, b), nil)

	raw := recvTimeout(t, feed.Events())
	assert.Equal(t, raw.Type, "insert")
	assert.Equal(t, raw.New["id"], "item-1")

	// push a presence snapshot
	b, err = EncodeFrame(&PresenceStateNotify{
		ListId: "list-1",
		Participants: []map[string]any{
			{"userId": "user-1"},
			{"userId": "user-2"},
		},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, b), nil)

	event := recvTimeout(t, presence.Events())
	assert.Equal(t, event.Type, PresenceEventSync)
	assert.Equal(t, len(event.Participants), 2)

	// and a join/leave diff
	b, err = EncodeFrame(&PresenceDiffNotify{
		ListId: "list-1",
		Joins:  []map[string]any{{"userId": "user-3"}},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ws.WriteMessage(websocket.BinaryMessage, b), nil)

	event = recvTimeout(t, presence.Events())
	assert.Equal(t, event.Type, PresenceEventJoin)
	assert.Equal(t, event.Participant["userId"], "user-3")

	// teardown untracks and unsubscribes on the wire
	feed.Close()
	presence.Close()

	assert.Equal(t, waitFor(5*time.Second, func() bool {
		state.mutex.Lock()
		defer state.mutex.Unlock()
		hasUntrack := false
		hasUnsubscribe := false
		for _, frame := range state.frames {
			switch frame.(type) {
			case *Untrack:
				hasUntrack = true
			case *Unsubscribe:
				hasUnsubscribe = true
			}
		}
		return hasUntrack && hasUnsubscribe
	}), true)
}

func TestPlatformChannelProviderReplayOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upgrader := websocket.Upgrader{}

	var mutex sync.Mutex
	connectCount := 0
	subscribeConnects := []int{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(messageType, message); err != nil {
			return
		}

		mutex.Lock()
		connectCount += 1
		connectIndex := connectCount
		mutex.Unlock()

		if connectIndex == 1 {
			// drop the first connection right after auth
			return
		}

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if len(message) == 0 {
				continue
			}
			if m, err := DecodeFrame(message); err == nil {
				if _, ok := m.(*Subscribe); ok {
					mutex.Lock()
					subscribeConnects = append(subscribeConnects, connectIndex)
					mutex.Unlock()
				}
			}
		}
	}))
	defer server.Close()

	settings := DefaultPlatformChannelSettings()
	settings.ReconnectTimeout = 100 * time.Millisecond

	auth := &ClientAuth{
		ByJwt:      testByJwt("user-1"),
		InstanceId: NewId(),
	}
	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	provider := NewPlatformChannelProvider(ctx, wsUrl, auth, settings)
	defer provider.Close()

	feed, err := provider.OpenChangeFeed(ctx, "list-1")
	assert.Equal(t, err, nil)
	defer feed.Close()

	// the subscription survives the dropped first connection via replay
	assert.Equal(t, waitFor(5*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		for _, connectIndex := range subscribeConnects {
			if 2 <= connectIndex {
				return true
			}
		}
		return false
	}), true)
}

func TestPlatformChannelProviderClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := &ClientAuth{
		ByJwt:      testByJwt("user-1"),
		InstanceId: NewId(),
	}
	// nothing is listening; the provider stays in its reconnect loop
	provider := NewPlatformChannelProviderWithDefaults(ctx, "ws://127.0.0.1:1/", auth)

	feed, err := provider.OpenChangeFeed(ctx, "list-1")
	assert.Equal(t, err, nil)

	provider.Close()

	// the subscriber channel closes on provider shutdown
	select {
	case _, ok := <-feed.Events():
		assert.Equal(t, ok, false)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	_, err = provider.OpenChangeFeed(ctx, "list-1")
	assert.NotEqual(t, err, nil)
	_, err = provider.OpenPresence(ctx, "list-1")
	assert.NotEqual(t, err, nil)
}
