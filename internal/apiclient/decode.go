package apiclient

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/segmentio/encoding/json"
)

// validator is implemented by wire types with mandatory fields.
type validator interface {
	validate() error
}

// synthesizer is implemented by wire types that may be reconstructed from
// their identifying fields when a full decode fails.
type synthesizer interface {
	synthesize(fields map[string]any) bool
}

// decode fills out from data. Keys that are not snake_case are normalized
// first; when the normalized value still does not decode or validate, types
// implementing synthesizer get a minimal value. Each fallback is logged.
func (c *Client) decode(data []byte, out any, what string) error {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return &Error{Kind: KindDecodingFailed, Detail: fmt.Sprintf("%s: not json", what), Err: err}
	}

	normalized, renamed := normalizeKeys(generic)
	payload := data
	if len(renamed) > 0 {
		c.logger.Warn("api schema drift: normalized response keys",
			slog.String("response", what),
			slog.Any("keys", renamed),
		)
		var err error
		if payload, err = json.Marshal(normalized); err != nil {
			return &Error{Kind: KindDecodingFailed, Detail: what, Err: err}
		}
	}

	err := json.Unmarshal(payload, out)
	if err == nil {
		err = validate(out)
	}
	if err == nil {
		return nil
	}

	if s, ok := out.(synthesizer); ok {
		if fields, isObj := normalized.(map[string]any); isObj {
			resetValue(out)
			if s.synthesize(fields) {
				c.logger.Warn("api schema drift: synthesized minimal record",
					slog.String("response", what),
					slog.Any("error", err),
				)
				return nil
			}
		}
	}
	return &Error{Kind: KindDecodingFailed, Detail: fmt.Sprintf("%s: %v", what, err), Err: err}
}

func validate(out any) error {
	if v, ok := out.(validator); ok {
		return v.validate()
	}
	return nil
}

func resetValue(out any) {
	v := reflect.ValueOf(out)
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		v.Elem().Set(reflect.Zero(v.Elem().Type()))
	}
}

// normalizeKeys converts camelCase, kebab-case, and spaced keys of top-level
// objects (and objects directly inside a top-level array) to snake_case.
// Nested values such as book_metadata are left untouched. It returns the
// renamed keys in sorted order.
func normalizeKeys(v any) (any, []string) {
	seen := map[string]struct{}{}
	rename := func(m map[string]any) map[string]any {
		out := make(map[string]any, len(m))
		for k, val := range m {
			nk := k
			if needsNormalizing(k) {
				nk = strcase.ToSnake(k)
				seen[k] = struct{}{}
			}
			if _, taken := out[nk]; taken && nk != k {
				continue // the canonical key wins
			}
			out[nk] = val
		}
		return out
	}

	switch t := v.(type) {
	case map[string]any:
		v = rename(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			if m, ok := item.(map[string]any); ok {
				items[i] = rename(m)
			} else {
				items[i] = item
			}
		}
		v = items
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return v, keys
}

func needsNormalizing(k string) bool {
	return k != strings.ToLower(k) || strings.ContainsAny(k, "- ")
}

// ID is a remote identifier. The catalog sends integers; strings are
// accepted too.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(str))
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("id: unexpected value %s", s)
	}
	*id = ID(s)
	return nil
}

func (id ID) String() string {
	return string(id)
}

func idFromAny(v any) ID {
	switch t := v.(type) {
	case string:
		return ID(strings.TrimSpace(t))
	case float64:
		return ID(strconv.FormatFloat(t, 'f', -1, 64))
	case json.Number:
		return ID(t.String())
	default:
		return ""
	}
}

// timestampLayouts are tried in order after RFC 3339.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp accepts RFC 3339, naive ISO-8601 (read as UTC), a handful of
// SQL-style layouts, and Unix seconds. null and "" decode to the zero time.
type Timestamp struct {
	time.Time
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		ts.Time = time.Time{}
		return nil
	}
	if !strings.HasPrefix(s, `"`) {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("timestamp: unexpected value %s", s)
		}
		whole := int64(secs)
		ts.Time = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	t, err := ParseTimestamp(str)
	if err != nil {
		return err
	}
	ts.Time = t
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

var errBadTimestamp = errors.New("unrecognized timestamp")

// ParseTimestamp parses s with RFC 3339 first and then the fallback layouts.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errBadTimestamp, s)
}
