package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFrameRoundTrip(t *testing.T) {
	messages := []any{
		&Auth{
			ByJwt:      "test-jwt",
			InstanceId: NewId(),
			AppVersion: "1.2.3",
		},
		&Subscribe{
			ListId: "list-1",
		},
		&Unsubscribe{
			ListId: "list-1",
		},
		&Track{
			ListId:      "list-1",
			Participant: map[string]any{"userId": "user-1", "name": "Ana"},
		},
		&Untrack{
			ListId:      "list-1",
			Participant: map[string]any{"userId": "user-1"},
		},
		&ChangeNotify{
			ListId: "list-1",
			Change: &RawChange{
				Type: "insert",
				New:  map[string]any{"id": "item-1", "name": "Milk"},
			},
		},
		&PresenceStateNotify{
			ListId:       "list-1",
			Participants: []map[string]any{{"userId": "user-1"}},
		},
		&PresenceDiffNotify{
			ListId: "list-1",
			Joins:  []map[string]any{{"userId": "user-2"}},
		},
	}

	for _, message := range messages {
		b, err := EncodeFrame(message)
		assert.Equal(t, err, nil)

		decoded, err := DecodeFrame(b)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestFrameRef(t *testing.T) {
	frame, err := ToFrame(&Subscribe{ListId: "list-1"})
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeSubscribe)
	// every frame carries a correlation ref
	assert.NotEqual(t, frame.Ref, "")

	message, err := FromFrame(frame)
	assert.Equal(t, err, nil)
	subscribe, ok := message.(*Subscribe)
	assert.Equal(t, ok, true)
	assert.Equal(t, subscribe.ListId, "list-1")
}

func TestFrameUnknownType(t *testing.T) {
	_, err := ToFrame(&struct{}{})
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame([]byte(`{"type":"bogus","message":{}}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeFrame([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}
