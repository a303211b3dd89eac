// Package decisionlog records one row per decision step in a SQLite database
// for post-hoc analysis. Writes go through a single writer goroutine so the
// stepping loop never blocks on disk.
package decisionlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one decision step.
type Entry struct {
	SessionID   string
	Step        uint64
	BatchSize   int
	Engine      string
	ModelDigest string
	InferenceMs float64
	RecordedAt  string
}

type Log struct {
	db *sql.DB

	ch   chan Entry
	wg   sync.WaitGroup
	once sync.Once

	// mu serializes the channel send in Record with the close in Close, so a
	// late Record during shutdown cannot hit a closed channel.
	mu     sync.Mutex
	closed bool
}

func Open(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Log{
		db: db,
		// Buffered so a burst of short steps does not stall the bridge.
		ch: make(chan Entry, 4096),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.loop()
	}()
	return l, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			session_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			batch_size INTEGER NOT NULL,
			engine TEXT NOT NULL,
			model_digest TEXT NOT NULL,
			inference_ms REAL NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (session_id, step)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Record queues one decision row. It never blocks: rows are dropped if the
// writer falls behind. Nil-safe so callers can run without a log configured.
func (l *Log) Record(e Entry) {
	if l == nil {
		return
	}
	if e.RecordedAt == "" {
		e.RecordedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- e:
	default:
	}
}

func (l *Log) loop() {
	insert, err := l.db.Prepare(`INSERT OR REPLACE INTO decisions(session_id,step,batch_size,engine,model_digest,inference_ms,recorded_at) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return
	}
	defer insert.Close()

	for e := range l.ch {
		_, _ = insert.Exec(e.SessionID, e.Step, e.BatchSize, e.Engine, e.ModelDigest, e.InferenceMs, e.RecordedAt)
	}
}

// Close drains the queue and closes the database.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}

// CountSessionRows reports how many steps are recorded for a session. Used by
// tooling and tests.
func (l *Log) CountSessionRows(sessionID string) (int, error) {
	if l == nil {
		return 0, fmt.Errorf("nil log")
	}
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM decisions WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
