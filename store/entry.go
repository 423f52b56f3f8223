package store

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// Entry is one captured request/response exchange as persisted in the
// index file. ResponseHeaders and ResponseBody hold either an inline JSON
// value or a JSON string containing the path of a side-car file; both
// representations are accepted on read.
type Entry struct {
	ID              string          `json:"id"`
	Method          string          `json:"method"`
	URL             string          `json:"url"`
	Body            string          `json:"body,omitempty"`
	Code            int             `json:"code"`
	ResponseHeaders json.RawMessage `json:"responseHeaders,omitempty"`
	ResponseBody    json.RawMessage `json:"responseBody,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// Request is the transport-independent view of an incoming request that
// matching and persistence operate on. URL is the path plus query exactly
// as received. Body is opaque unless a match function inspects it.
type Request struct {
	Method string
	URL    string
	Body   string
}

// Capture is the result of an upstream fetch, ready to be persisted.
// A non-2xx Code is still a capture; only transport errors are not.
type Capture struct {
	Code    int
	Headers map[string]string
	Body    []byte
}

// MatchFunc selects a stored entry for a request, or nil for a miss.
// Implementations must be pure and must not mutate their inputs. The
// default implementation never errors; custom ones may.
type MatchFunc func(Request, []Entry) (*Entry, error)

const (
	sidecarBody    = "body"
	sidecarHeaders = "headers"
)

// sidecarPath builds the side-car file name for an entry field:
// <root>/<slug(url)>_<kind>_<id>.json. The URL is slugified so path
// separators and query characters cannot escape the cache root;
// uniqueness is carried by the id.
func sidecarPath(root, url, kind, id string) string {
	return filepath.Join(root, slugify(url)+"_"+kind+"_"+id+".json")
}

func slugify(url string) string {
	var b strings.Builder
	b.Grow(len(url))
	for _, r := range url {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// sidecarRefs returns the side-car file paths an entry points at. A field
// references a file when it holds a JSON string whose contents do not
// themselves parse as JSON (the same rule materialization applies).
func sidecarRefs(e Entry) []string {
	var refs []string
	for _, raw := range []json.RawMessage{e.ResponseHeaders, e.ResponseBody} {
		if path, ok := pathRef(raw); ok {
			refs = append(refs, path)
		}
	}
	return refs
}

func pathRef(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// inline non-string JSON value
		return "", false
	}
	if json.Valid([]byte(s)) {
		// inline value authored as a JSON string
		return "", false
	}
	return s, true
}
