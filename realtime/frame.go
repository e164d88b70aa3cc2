package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// the json frame protocol spoken with the platform channel service.
// one frame per websocket message. The client sends auth, subscribe,
// unsubscribe, track, and untrack; the service sends the auth echo, change
// notifications, presence state snapshots, and presence diffs. Change and
// presence payloads ride as untyped bags in the transport's native casing;
// normalization happens client side.

type FrameType string

const (
	FrameTypeAuth          FrameType = "auth"
	FrameTypeSubscribe     FrameType = "subscribe"
	FrameTypeUnsubscribe   FrameType = "unsubscribe"
	FrameTypeTrack         FrameType = "track"
	FrameTypeUntrack       FrameType = "untrack"
	FrameTypeChange        FrameType = "change"
	FrameTypePresenceState FrameType = "presence_state"
	FrameTypePresenceDiff  FrameType = "presence_diff"
)

type Frame struct {
	Type FrameType `json:"type"`
	// correlation ref for service acks
	Ref     string          `json:"ref,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

type Auth struct {
	ByJwt      string `json:"by_jwt"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

type Subscribe struct {
	ListId string `json:"list_id"`
}

type Unsubscribe struct {
	ListId string `json:"list_id"`
}

type Track struct {
	ListId      string         `json:"list_id"`
	Participant map[string]any `json:"participant"`
}

type Untrack struct {
	ListId      string         `json:"list_id"`
	Participant map[string]any `json:"participant,omitempty"`
}

type ChangeNotify struct {
	ListId string     `json:"list_id"`
	Change *RawChange `json:"change"`
}

type PresenceStateNotify struct {
	ListId       string           `json:"list_id"`
	Participants []map[string]any `json:"participants"`
}

type PresenceDiffNotify struct {
	ListId string           `json:"list_id"`
	Joins  []map[string]any `json:"joins,omitempty"`
	Leaves []map[string]any `json:"leaves,omitempty"`
}

func ToFrame(message any) (*Frame, error) {
	var frameType FrameType
	switch v := message.(type) {
	case *Auth:
		frameType = FrameTypeAuth
	case *Subscribe:
		frameType = FrameTypeSubscribe
	case *Unsubscribe:
		frameType = FrameTypeUnsubscribe
	case *Track:
		frameType = FrameTypeTrack
	case *Untrack:
		frameType = FrameTypeUntrack
	case *ChangeNotify:
		frameType = FrameTypeChange
	case *PresenceStateNotify:
		frameType = FrameTypePresenceState
	case *PresenceDiffNotify:
		frameType = FrameTypePresenceDiff
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:    frameType,
		Ref:     uuid.NewString(),
		Message: b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.Type {
	case FrameTypeAuth:
		message = &Auth{}
	case FrameTypeSubscribe:
		message = &Subscribe{}
	case FrameTypeUnsubscribe:
		message = &Unsubscribe{}
	case FrameTypeTrack:
		message = &Track{}
	case FrameTypeUntrack:
		message = &Untrack{}
	case FrameTypeChange:
		message = &ChangeNotify{}
	case FrameTypePresenceState:
		message = &PresenceStateNotify{}
	case FrameTypePresenceDiff:
		message = &PresenceDiffNotify{}
	default:
		return nil, fmt.Errorf("Unknown frame type: %s", frame.Type)
	}
	if 0 < len(frame.Message) {
		if err := json.Unmarshal(frame.Message, message); err != nil {
			return nil, err
		}
	}
	return message, nil
}

func RequireFromFrame(frame *Frame) any {
	message, err := FromFrame(frame)
	if err != nil {
		panic(err)
	}
	return message
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (any, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
