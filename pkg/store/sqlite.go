package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"meshgate/pkg/model"
)

// SQLiteStore persists routing state in a local sqlite file. Records are
// stored as JSON blobs keyed by their natural id, which keeps the schema
// stable while the model evolves.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS enrollments(peer_addr TEXT PRIMARY KEY, data TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS endpoints(id TEXT PRIMARY KEY, data TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS events(seq INTEGER PRIMARY KEY AUTOINCREMENT, data TEXT NOT NULL, ts INTEGER NOT NULL);
CREATE TABLE IF NOT EXISTS settings(id INTEGER PRIMARY KEY CHECK (id = 1), data TEXT NOT NULL);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveEnrollment(e model.Enrollment) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO enrollments(peer_addr, data) VALUES(?,?)
		ON CONFLICT(peer_addr) DO UPDATE SET data=excluded.data`, e.PeerAddr, string(b))
	return err
}

func (s *SQLiteStore) GetEnrollment(peerAddr string) (model.Enrollment, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM enrollments WHERE peer_addr=?`, peerAddr).Scan(&data)
	if err == sql.ErrNoRows {
		return model.Enrollment{}, false, nil
	}
	if err != nil {
		return model.Enrollment{}, false, err
	}
	var e model.Enrollment
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return model.Enrollment{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) DeleteEnrollment(peerAddr string) error {
	_, err := s.db.Exec(`DELETE FROM enrollments WHERE peer_addr=?`, peerAddr)
	return err
}

func (s *SQLiteStore) ListEnrollments() ([]model.Enrollment, error) {
	rows, err := s.db.Query(`SELECT data FROM enrollments ORDER BY peer_addr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Enrollment
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e model.Enrollment
		if err := json.Unmarshal([]byte(data), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceEndpoints(eps []model.TunnelEndpoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM endpoints`); err != nil {
		return err
	}
	for _, ep := range eps {
		b, err := json.Marshal(ep)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO endpoints(id, data) VALUES(?,?)`, ep.ID, string(b)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEndpoints() ([]model.TunnelEndpoint, error) {
	rows, err := s.db.Query(`SELECT data FROM endpoints ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TunnelEndpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ep model.TunnelEndpoint
		if err := json.Unmarshal([]byte(data), &ep); err == nil {
			out = append(out, ep)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEndpoint(id string) (model.TunnelEndpoint, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM endpoints WHERE id=?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return model.TunnelEndpoint{}, false, nil
	}
	if err != nil {
		return model.TunnelEndpoint{}, false, err
	}
	var ep model.TunnelEndpoint
	if err := json.Unmarshal([]byte(data), &ep); err != nil {
		return model.TunnelEndpoint{}, false, err
	}
	return ep, true, nil
}

func (s *SQLiteStore) AppendEvent(ev model.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO events(data, ts) VALUES(?,?)`, string(b), ev.Timestamp.Unix()); err != nil {
		return err
	}
	// keep the log bounded
	_, err = s.db.Exec(`DELETE FROM events WHERE seq <= (SELECT MAX(seq) FROM events) - ?`, maxEvents)
	return err
}

func (s *SQLiteStore) ListEvents(limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = maxEvents
	}
	rows, err := s.db.Query(`SELECT data FROM (SELECT seq, data FROM events ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(data), &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetSettings() (model.Settings, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM settings WHERE id=1`).Scan(&data)
	if err == sql.ErrNoRows {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	var st model.Settings
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return model.Settings{}, err
	}
	return st, nil
}

func (s *SQLiteStore) UpdateSettings(st model.Settings) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO settings(id, data) VALUES(1,?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data`, string(b))
	return err
}

func (s *SQLiteStore) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
