package reqlog

import (
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// Record is one routing decision made by the proxy.
type Record struct {
	Method    string `json:"method"`
	URL       string `json:"url"`
	Decision  string `json:"decision"`
	Status    int    `json:"status"`
	EntryID   string `json:"entryId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Provider stores routing decisions for later inspection.
//
// Implementations must be thread-safe!
type Provider interface {
	// Put appends a record.
	Put(rec Record) error
	// Recent returns up to limit records, newest first.
	Recent(limit int) ([]Record, error)
	// Purge removes all records.
	Purge() error
}

type MemLog struct {
	mutex   *sync.Mutex
	records []Record
}

func NewMemLog() *MemLog {
	return &MemLog{mutex: &sync.Mutex{}}
}

func (m *MemLog) Put(rec Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemLog) Recent(limit int) ([]Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if limit > len(m.records) {
		limit = len(m.records)
	}
	recent := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= len(m.records)-limit; i-- {
		recent = append(recent, m.records[i])
	}
	return recent, nil
}

func (m *MemLog) Purge() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records = nil
	return nil
}

type SQLiteLog struct {
	db *sql.DB
}

func NewSQLiteLog(filename string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		method TEXT, url TEXT, decision TEXT,
		status INTEGER, entry_id TEXT, timestamp INTEGER)`)
	if err != nil {
		return nil, err
	}
	return &SQLiteLog{db: db}, nil
}

func (s *SQLiteLog) Put(rec Record) error {
	_, err := s.db.Exec(
		"INSERT INTO requests (method, url, decision, status, entry_id, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		rec.Method, rec.URL, rec.Decision, rec.Status, rec.EntryID, rec.Timestamp)
	return err
}

func (s *SQLiteLog) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		"SELECT method, url, decision, status, entry_id, timestamp FROM requests ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Method, &rec.URL, &rec.Decision, &rec.Status, &rec.EntryID, &rec.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteLog) Purge() error {
	_, err := s.db.Exec("DELETE FROM requests")
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}
