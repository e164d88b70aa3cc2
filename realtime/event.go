package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// the change feed crosses a serialization boundary. Notifications arrive as an
// event-type tag plus untyped "new"/"old" field bags in whatever key
// convention the transport uses (snake_case from the store, lowerCamel from
// app clients, UpperCamel from some SDKs). The normalizer folds every payload
// to one canonical shape so the reconciler never sees transport casing.

type ChangeType string

const (
	ChangeInsert ChangeType = "Inserted"
	ChangeUpdate ChangeType = "Updated"
	ChangeDelete ChangeType = "Deleted"
)

// raw notification as handed over by a channel implementation
type RawChange struct {
	Type string         `json:"type"`
	New  map[string]any `json:"new,omitempty"`
	Old  map[string]any `json:"old,omitempty"`
}

// canonical event applied by the reconciler
type ChangeEvent struct {
	Type   ChangeType
	ListId string
	ItemId string
	// canonical field bag for insert/update. nil for delete
	Fields map[string]any
	// canonical field bag of the prior record, when the transport sends one
	OldFields map[string]any
}

type MalformedEventError struct {
	Reason string
}

func (self *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event: %s", self.Reason)
}

func IsMalformedEvent(err error) bool {
	var malformedErr *MalformedEventError
	return errors.As(err, &malformedErr)
}

func ParseChangeType(tag string) (ChangeType, error) {
	switch strings.ToLower(tag) {
	case "insert", "inserted", "create", "created":
		return ChangeInsert, nil
	case "update", "updated", "modify", "modified":
		return ChangeUpdate, nil
	case "delete", "deleted", "remove", "removed":
		return ChangeDelete, nil
	default:
		return "", &MalformedEventError{
			Reason: fmt.Sprintf("unknown change type %q", tag),
		}
	}
}

// NormalizeChange converts one raw notification into a canonical event.
// Pure: the input bags are not modified. The only failure mode is
// `MalformedEventError`; callers drop and log, never retry (redelivery of the
// same malformed payload would just fail the same way).
func NormalizeChange(listId string, raw *RawChange) (*ChangeEvent, error) {
	if raw == nil {
		return nil, &MalformedEventError{Reason: "missing notification"}
	}

	changeType, err := ParseChangeType(raw.Type)
	if err != nil {
		return nil, err
	}

	event := &ChangeEvent{
		Type:      changeType,
		ListId:    listId,
		OldFields: CanonicalizeBag(raw.Old),
	}
	if changeType != ChangeDelete {
		event.Fields = CanonicalizeBag(raw.New)
	}

	// the record identity is required. For deletes the transport typically
	// sends only the old record
	itemId := bagId(event.Fields)
	if itemId == "" {
		itemId = bagId(event.OldFields)
	}
	if itemId == "" {
		return nil, &MalformedEventError{Reason: "payload has no id"}
	}
	event.ItemId = itemId

	return event, nil
}

// NormalizeChangeBag accepts the loose single-bag form some transports emit:
// the type tag and the record either nested under "new"/"record" (plus
// "old"/"old_record") or flat at the top level next to the tag.
func NormalizeChangeBag(listId string, bag map[string]any) (*ChangeEvent, error) {
	if bag == nil {
		return nil, &MalformedEventError{Reason: "missing notification"}
	}

	tag := ""
	for _, tagKey := range []string{"type", "event", "eventType", "event_type", "action"} {
		if v, ok := bag[tagKey]; ok {
			if s, ok := v.(string); ok {
				tag = s
				break
			}
		}
	}
	if tag == "" {
		return nil, &MalformedEventError{Reason: "payload has no change type"}
	}

	raw := &RawChange{Type: tag}
	if nested := nestedBag(bag, "new", "record"); nested != nil {
		raw.New = nested
		raw.Old = nestedBag(bag, "old", "old_record", "oldRecord")
	} else if nested := nestedBag(bag, "old", "old_record", "oldRecord"); nested != nil {
		raw.Old = nested
	} else {
		// flat form. Everything besides the tag keys is the record
		flat := map[string]any{}
		for key, value := range bag {
			switch key {
			case "type", "event", "eventType", "event_type", "action":
			default:
				flat[key] = value
			}
		}
		raw.New = flat
	}

	return NormalizeChange(listId, raw)
}

func nestedBag(bag map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if v, ok := bag[key]; ok {
			if nested, ok := v.(map[string]any); ok {
				return nested
			}
		}
	}
	return nil
}

// CanonicalizeBag translates every key of the bag (recursively, so relation
// sub-bags are folded too) to the canonical lowerCamel form. Unknown keys are
// preserved under their translated name rather than dropped, so
// forward-compatible fields are not silently lost. When two source keys fold
// to the same canonical key, the lexicographically later source key wins,
// which keeps the translation deterministic.
func CanonicalizeBag(bag map[string]any) map[string]any {
	if bag == nil {
		return nil
	}
	out := make(map[string]any, len(bag))
	keys := maps.Keys(bag)
	slices.Sort(keys)
	for _, key := range keys {
		out[CanonicalKey(key)] = canonicalizeValue(bag[key])
	}
	return out
}

func canonicalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return CanonicalizeBag(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = canonicalizeValue(e)
		}
		return out
	default:
		return value
	}
}

// CanonicalKey folds one transport key to lowerCamel. The translation is
// total: every input maps to exactly one output. snake_case, kebab-case,
// UpperCamel, and acronym runs (CategoryID, AVATAR_URL) all fold to the same
// canonical spelling.
func CanonicalKey(key string) string {
	segments := splitKeySegments(key)
	if len(segments) == 0 {
		return ""
	}
	var b strings.Builder
	for i, segment := range segments {
		lower := strings.ToLower(segment)
		if i == 0 {
			b.WriteString(lower)
			continue
		}
		r, size := utf8.DecodeRuneInString(lower)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(lower[size:])
	}
	return b.String()
}

func splitKeySegments(key string) []string {
	segments := []string{}
	current := []rune{}
	flush := func() {
		if 0 < len(current) {
			segments = append(segments, string(current))
			current = []rune{}
		}
	}
	runes := []rune(key)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
		case unicode.IsUpper(r):
			if 0 < len(current) {
				prev := current[len(current)-1]
				if !unicode.IsUpper(prev) {
					// lower to upper boundary
					flush()
				} else if i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
					// last upper of an acronym run
					flush()
				}
			}
			current = append(current, r)
		default:
			current = append(current, r)
		}
	}
	flush()
	return segments
}

func bagId(bag map[string]any) string {
	if bag == nil {
		return ""
	}
	return stringId(bag[KeyId])
}

// identities cross the boundary as strings, but some encoders emit numbers
func stringId(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
