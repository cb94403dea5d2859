package event

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"attribution-pipeline/pkg/errutil"
)

const (
	MaxIDLen         = 128
	DefaultClockSkew = 5 * time.Minute
)

// maxEpochMillis keeps epoch timestamps within what time.Time can report
// back as UnixNano.
const maxEpochMillis = math.MaxInt64 / 1e6

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// Validate performs structural and semantic checks on ev.
// now: reference time (injectable for tests)
// skew: allowable future skew
func Validate(ev Event, now time.Time, skew time.Duration) []FieldError {
	var errs []FieldError

	errs = checkID(errs, "id", ev.ID)
	errs = checkID(errs, "visitorId", ev.VisitorID)
	errs = checkID(errs, "sessionId", ev.SessionID)

	if ev.Type == "" {
		errs = append(errs, FieldError{"type", "required"})
	} else if !ev.Type.Valid() {
		errs = append(errs, FieldError{"type", fmt.Sprintf("unknown event type %q", ev.Type)})
	}

	if ev.Timestamp.IsZero() {
		errs = append(errs, FieldError{"timestamp", "required"})
	} else if ev.Timestamp.After(now.Add(skew)) {
		errs = append(errs, FieldError{"timestamp", "must not be in the future (beyond allowed skew)"})
	}

	return errs
}

func checkID(errs []FieldError, field, v string) []FieldError {
	switch {
	case v == "":
		return append(errs, FieldError{field, "required"})
	case len(v) > MaxIDLen:
		return append(errs, FieldError{field, fmt.Sprintf("max length %d", MaxIDLen)})
	}
	return errs
}

// AsError folds field errors into a validation error, or nil.
func AsError(errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]errutil.Detail, 0, len(errs))
	for _, fe := range errs {
		details = append(details, errutil.Detail{Field: fe.Field, Message: fe.Msg})
	}
	return errutil.Validation("invalid event", nil, errutil.WithDetails(details...))
}

// rawEvent mirrors the wire shape without trusting field types.
type rawEvent struct {
	ID         any `json:"id"`
	VisitorID  any `json:"visitorId"`
	SessionID  any `json:"sessionId"`
	Type       any `json:"type"`
	Timestamp  any `json:"timestamp"`
	Properties any `json:"properties"`
	Metadata   any `json:"metadata"`
}

// Parse decodes a wire message and validates it. Malformed JSON and wrongly
// typed fields are reported as field errors, never as panics.
func Parse(data []byte, now time.Time, skew time.Duration) (Event, []FieldError) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, []FieldError{{"$", "malformed JSON: " + err.Error()}}
	}

	var (
		ev   Event
		errs []FieldError
	)
	ev.ID, errs = stringField(errs, "id", raw.ID)
	ev.VisitorID, errs = stringField(errs, "visitorId", raw.VisitorID)
	ev.SessionID, errs = stringField(errs, "sessionId", raw.SessionID)
	var typ string
	typ, errs = stringField(errs, "type", raw.Type)
	ev.Type = Type(typ)
	ev.Timestamp, errs = timeField(errs, "timestamp", raw.Timestamp)

	switch p := raw.Properties.(type) {
	case nil:
	case map[string]any:
		ev.Properties = p
	default:
		errs = append(errs, FieldError{"properties", "must be an object"})
	}

	switch m := raw.Metadata.(type) {
	case nil:
	case map[string]any:
		ev.Metadata, errs = metadataField(errs, m)
	default:
		errs = append(errs, FieldError{"metadata", "must be an object"})
	}

	if len(errs) > 0 {
		// type errors first; semantic checks on a half-decoded event only add noise
		return ev, errs
	}
	return ev, Validate(ev, now, skew)
}

func stringField(errs []FieldError, field string, v any) (string, []FieldError) {
	switch s := v.(type) {
	case nil:
		return "", errs
	case string:
		return s, errs
	default:
		return "", append(errs, FieldError{field, "must be a string"})
	}
}

// timeField accepts RFC 3339 strings and epoch milliseconds.
func timeField(errs []FieldError, field string, v any) (time.Time, []FieldError) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, errs
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, append(errs, FieldError{field, "must be an RFC 3339 timestamp"})
		}
		return parsed.UTC(), errs
	case float64:
		if t <= 0 {
			return time.Time{}, append(errs, FieldError{field, "must be a positive epoch milliseconds value"})
		}
		if t > maxEpochMillis {
			return time.Time{}, append(errs, FieldError{field, "must be a timestamp"})
		}
		return time.UnixMilli(int64(t)).UTC(), errs
	default:
		return time.Time{}, append(errs, FieldError{field, "must be a timestamp"})
	}
}

func metadataField(errs []FieldError, m map[string]any) (Metadata, []FieldError) {
	var md Metadata
	md.Source, errs = stringField(errs, "metadata.source", m["source"])
	md.Version, errs = stringField(errs, "metadata.version", m["version"])
	md.Environment, errs = stringField(errs, "metadata.environment", m["environment"])
	switch tags := m["tags"].(type) {
	case nil:
	case map[string]any:
		md.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			s, ok := v.(string)
			if !ok {
				errs = append(errs, FieldError{"metadata.tags." + k, "must be a string"})
				continue
			}
			md.Tags[k] = s
		}
	default:
		errs = append(errs, FieldError{"metadata.tags", "must be an object"})
	}
	return md, errs
}
