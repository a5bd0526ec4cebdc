package canonical

import (
	"fmt"
	"strings"
	"time"
)

// Action is the past-tense CRUD enum a canonical event's action must
// belong to (§3.4).
type Action string

const (
	ActionCreated Action = "created"
	ActionRead    Action = "read"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// presentToPast maps the present-tense verbs a transform may legitimately
// emit onto the canonical past-tense enum (§3.4, §4.3 step 5).
var presentToPast = map[string]Action{
	"create":  ActionCreated,
	"update":  ActionUpdated,
	"delete":  ActionDeleted,
	"read":    ActionRead,
	"created": ActionCreated,
	"updated": ActionUpdated,
	"deleted": ActionDeleted,
}

// Resource identifies what a canonical event is about.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is the canonical, normalised record emitted by the canonicaliser.
type Event struct {
	Publisher string         `json:"publisher"`
	Resource  Resource       `json:"resource"`
	Action    Action         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// ValidationError reports why a transform's output could not be turned
// into a valid canonical Event.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// FromTransformResult validates a transform's raw output (already decoded
// into the tagged Value variant) under the §3.4 rules and, on success,
// returns the canonical Event. originalPayload is the untouched raw body,
// carried through unchanged as the returned Event's Payload.
func FromTransformResult(result Value, originalPayload map[string]any) (*Event, error) {
	if result.Kind != KindObject {
		return nil, invalid("transform result is not an object (got %s)", result.Kind)
	}

	publisherV, ok := result.Object["publisher"]
	if !ok || publisherV.Kind != KindString || publisherV.Str == "" {
		return nil, invalid("missing or invalid required field 'publisher'")
	}

	resourceV, ok := result.Object["resource"]
	if !ok || resourceV.Kind != KindObject {
		return nil, invalid("missing required field 'resource' (must be an object)")
	}
	typeV, ok := resourceV.Object["type"]
	if !ok || typeV.Kind != KindString || typeV.Str == "" {
		return nil, invalid("resource.type missing or not a string")
	}
	idV, ok := resourceV.Object["id"]
	if !ok {
		return nil, invalid("resource.id missing")
	}
	idStr, ok := idV.AsString()
	if !ok || idV.Kind == KindBool {
		return nil, invalid("resource.id must be a scalar (string or number)")
	}
	if err := validateResourceID(idStr); err != nil {
		return nil, err
	}

	actionV, ok := result.Object["action"]
	if !ok || actionV.Kind != KindString {
		return nil, invalid("missing or invalid required field 'action'")
	}
	action, ok := presentToPast[strings.ToLower(actionV.Str)]
	if !ok {
		return nil, invalid("invalid action %q: must be one of created, read, updated, deleted (or their present-tense form)", actionV.Str)
	}

	ts, err := resolveTimestamp(result.Object["timestamp"])
	if err != nil {
		return nil, err
	}

	return &Event{
		Publisher: strings.ToLower(publisherV.Str),
		Resource:  Resource{Type: typeV.Str, ID: idStr},
		Action:    action,
		Timestamp: ts,
		Payload:   originalPayload,
	}, nil
}

// validateResourceID enforces the atomic-id invariant: no '/', '#', or
// space (§3.4, §8).
func validateResourceID(id string) error {
	for _, bad := range []string{"/", "#", " "} {
		if strings.Contains(id, bad) {
			return invalid("resource id %q contains invalid character %q — atomic ids only", id, bad)
		}
	}
	if id == "" {
		return invalid("resource id must not be empty")
	}
	return nil
}

// resolveTimestamp accepts either an ISO-8601 string or a Unix-seconds
// number (the latter observed from sources like Stripe) and defaults to
// "now" if the transform omitted it.
func resolveTimestamp(v Value) (time.Time, error) {
	switch v.Kind {
	case KindString:
		t, err := time.Parse(time.RFC3339, v.Str)
		if err != nil {
			// Tolerate timestamps without an explicit timezone offset.
			if t2, err2 := time.Parse("2006-01-02T15:04:05", v.Str); err2 == nil {
				return t2.UTC(), nil
			}
			return time.Time{}, invalid("timestamp %q is not ISO-8601: %v", v.Str, err)
		}
		return t.UTC(), nil
	case KindNumber:
		return time.Unix(int64(v.Num), 0).UTC(), nil
	case KindUndefined, KindNull:
		return time.Now().UTC(), nil
	default:
		return time.Time{}, invalid("timestamp has unsupported type %s", v.Kind)
	}
}
