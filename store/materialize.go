package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Materialized is a stored entry with its possibly file-referenced fields
// resolved into ready-to-serve values. Never persisted.
type Materialized struct {
	ID          string
	Method      string
	URL         string
	RequestBody string
	Code        int
	Headers     map[string]string
	Body        any
	Timestamp   time.Time
}

// BodyBytes renders the materialized body for the wire. A JSON string is
// written verbatim (it is either a non-JSON upstream body or a
// hand-authored literal); any other JSON value is re-marshaled.
func (m *Materialized) BodyBytes() []byte {
	switch v := m.Body.(type) {
	case nil:
		return nil
	case string:
		return []byte(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return data
	}
}

// materialize resolves an entry's header and body fields. For each field:
// an inline value is used as-is; a string that parses as JSON is used as
// that value; any other string is treated as a side-car path and read from
// disk. A missing side-car file reports desync=true so the caller can
// trigger a sweep. Callers hold at least the read lock.
func (s *Store) materialize(e Entry) (*Materialized, bool, error) {
	headersVal, desync, err := resolveField(e.ResponseHeaders)
	if desync || err != nil {
		return nil, desync, err
	}
	bodyVal, desync, err := resolveField(e.ResponseBody)
	if desync || err != nil {
		return nil, desync, err
	}

	m := &Materialized{
		ID:          e.ID,
		Method:      e.Method,
		URL:         e.URL,
		RequestBody: e.Body,
		Code:        e.Code,
		Headers:     headerMap(headersVal),
		Body:        bodyVal,
		Timestamp:   time.Unix(e.Timestamp, 0),
	}
	return m, false, nil
}

func resolveField(raw json.RawMessage) (any, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("parse stored field: %w", err)
	}
	str, isString := v.(string)
	if !isString {
		return v, false, nil
	}
	// a string is either an inline JSON literal or a side-car path
	var inline any
	if err := json.Unmarshal([]byte(str), &inline); err == nil {
		return inline, false, nil
	}
	data, err := os.ReadFile(str)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("read side-car %s: %w", str, err)
	}
	var fromFile any
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return nil, false, fmt.Errorf("parse side-car %s: %w", str, err)
	}
	return fromFile, false, nil
}

func headerMap(v any) map[string]string {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	headers := make(map[string]string, len(obj))
	for name, val := range obj {
		if s, ok := val.(string); ok {
			headers[name] = s
		} else {
			headers[name] = fmt.Sprint(val)
		}
	}
	return headers
}
