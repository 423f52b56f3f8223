// Package store owns the durable, file-backed index of captured exchanges
// and the side-car files holding large response values. It is the only
// component that writes beneath the cache root.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/replay-cache/replay-cache/pkg/events"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// ErrCorrupt means the index file exists but is not valid JSON.
// This is not auto-recovered.
var ErrCorrupt = errors.New("cache index is not valid JSON")

// Store is a durable index of captured exchanges. All operations that
// rewrite the index file are mutually exclusive with each other and with
// lookups; lookups that do not mutate share a read lock.
type Store struct {
	root      string
	indexPath string
	match     MatchFunc
	sink      events.Sink
	log       zerolog.Logger

	mu sync.RWMutex
}

// Open ensures the cache root and the index file exist, creating the index
// as an empty JSON array when absent. Idempotent.
func Open(root, indexFile string, match MatchFunc, sink events.Sink, logger zerolog.Logger) (*Store, error) {
	if match == nil {
		return nil, errors.New("store: match function required")
	}
	if sink == nil {
		sink = events.Nop{}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	indexPath := filepath.Join(root, indexFile)
	if _, err := os.Stat(indexPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(indexPath, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("create index file: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return &Store{
		root:      root,
		indexPath: indexPath,
		match:     match,
		sink:      sink,
		log:       logger.With().Str("component", "store").Logger(),
	}, nil
}

// Lookup matches the request against the index and materializes the hit.
// It returns the materialized response together with a copy of the raw
// matched entry (for update-in-place on a later save), or nils on a miss.
// A desynchronized entry triggers a garbage-collection sweep and counts
// as a miss.
func (s *Store) Lookup(req Request) (*Materialized, *Entry, error) {
	s.mu.RLock()
	entries, err := s.readIndex()
	if err != nil {
		s.mu.RUnlock()
		return nil, nil, err
	}
	match, err := s.match(req, entries)
	if err != nil {
		// the composite matcher recovers custom failures itself; an
		// error here means even the fallback failed
		s.mu.RUnlock()
		s.sink.Emit(events.Event{Kind: events.KindError, Message: "match function failed", Err: err})
		return nil, nil, nil
	}
	if match == nil {
		s.mu.RUnlock()
		return nil, nil, nil
	}
	m, desync, err := s.materialize(*match)
	s.mu.RUnlock()
	if desync {
		s.sink.Emit(events.Event{
			Kind:    events.KindWarn,
			Message: "cache desynchronized, sweeping orphaned entries",
			Fields:  map[string]string{"id": match.ID},
		})
		s.Sweep()
		return nil, nil, nil
	}
	if err != nil {
		s.sink.Emit(events.Event{Kind: events.KindWarn, Message: "could not materialize entry", Err: err,
			Fields: map[string]string{"id": match.ID}})
		return nil, nil, nil
	}
	matched := *match
	return m, &matched, nil
}

// Save persists a captured exchange. When existing is non-nil its id is
// reused and the entry is replaced in place; otherwise a new entry is
// appended under a freshly generated id. The whole index is rewritten
// under the write lock either way.
func (s *Store) Save(req Request, capture Capture, existing *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	id := xid.New().String()
	if existing != nil {
		id = existing.ID
	}

	entry := Entry{
		ID:        id,
		Method:    req.Method,
		URL:       req.URL,
		Body:      req.Body,
		Code:      capture.Code,
		Timestamp: time.Now().Unix(),
	}

	if capture.Headers != nil {
		path := sidecarPath(s.root, req.URL, sidecarHeaders, id)
		if err := writeSidecar(path, capture.Headers); err != nil {
			return nil, err
		}
		entry.ResponseHeaders = mustMarshal(path)
	}
	if len(capture.Body) > 0 {
		path := sidecarPath(s.root, req.URL, sidecarBody, id)
		if err := writeSidecar(path, bodyValue(capture.Body)); err != nil {
			return nil, err
		}
		entry.ResponseBody = mustMarshal(path)
	}

	replaced := false
	if existing != nil {
		for i := range entries {
			if entries[i].ID == id {
				entries[i] = entry
				replaced = true
				break
			}
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	if err := s.writeIndex(entries); err != nil {
		return nil, err
	}
	s.log.Debug().Str("id", id).Str("url", req.URL).Bool("replaced", replaced).Msg("Saved entry")
	return &entry, nil
}

// Sweep prunes entries whose side-car files went missing out-of-band.
// An entry missing one side-car has its surviving side-car deleted too,
// so no orphaned files remain under the cache root.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		s.sink.Emit(events.Event{Kind: events.KindError, Message: "sweep could not read index", Err: err})
		return
	}

	kept := make([]Entry, 0, len(entries))
	pruned := 0
	for _, e := range entries {
		refs := sidecarRefs(e)
		missing := false
		for _, ref := range refs {
			if _, err := os.Stat(ref); err != nil {
				missing = true
				break
			}
		}
		if !missing {
			kept = append(kept, e)
			continue
		}
		pruned++
		for _, ref := range refs {
			if err := os.Remove(ref); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn().Err(err).Str("file", ref).Msg("Could not remove orphaned side-car")
			}
		}
	}

	if pruned == 0 {
		return
	}
	if err := s.writeIndex(kept); err != nil {
		s.sink.Emit(events.Event{Kind: events.KindError, Message: "sweep could not write index", Err: err})
		return
	}
	s.sink.Emit(events.Event{
		Kind:    events.KindWarn,
		Message: "pruned desynchronized entries",
		Fields:  map[string]string{"pruned": fmt.Sprint(pruned)},
	})
}

// Entries returns a snapshot of the index in store order.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readIndex()
}

// Len returns the number of entries in the index.
func (s *Store) Len() (int, error) {
	entries, err := s.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// readIndex loads and parses the whole index. Callers hold s.mu.
func (s *Store) readIndex() ([]Entry, error) {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return entries, nil
}

// writeIndex rewrites the whole index pretty-printed, via a temp file and
// rename so a crash cannot leave a half-written index. Callers hold s.mu
// for writing.
func (s *Store) writeIndex(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp, err := os.CreateTemp(s.root, ".index-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmpName, s.indexPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

func writeSidecar(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal side-car: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write side-car: %w", err)
	}
	return nil
}

// bodyValue returns the JSON value to persist for an upstream body: the
// parsed value when the body is JSON, otherwise the raw bytes as a JSON
// string so non-JSON upstreams still round-trip.
func bodyValue(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
