package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS searches (
		user_id    TEXT NOT NULL,
		search_id  TEXT PRIMARY KEY,
		query      TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_searches_user ON searches(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS search_results (
		search_id TEXT NOT NULL,
		pos       INTEGER NOT NULL,
		title     TEXT NOT NULL,
		summary   TEXT NOT NULL,
		url       TEXT NOT NULL,
		PRIMARY KEY (search_id, pos)
	)`,
	`CREATE TABLE IF NOT EXISTS user_events (
		user_id   TEXT NOT NULL,
		event_id  TEXT PRIMARY KEY,
		search_id TEXT NOT NULL,
		kind      TEXT NOT NULL,
		payload   TEXT NOT NULL,
		ts        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_events_user ON user_events(user_id, ts)`,
}

// SQLStore persists search history in a SQLite database file.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating history schema: %w", err)
		}
	}
	return &SQLStore{
		db:     db,
		logger: slog.Default().With("component", "history-store"),
	}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSearch stores a record and its results.
func (s *SQLStore) SaveSearch(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO searches (user_id, search_id, query, session_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.UserID, rec.SearchID, rec.Query, rec.SessionID, rec.Created.UnixNano(),
	); err != nil {
		return fmt.Errorf("inserting search %s: %w", rec.SearchID, err)
	}
	for _, res := range rec.Results {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO search_results (search_id, pos, title, summary, url) VALUES (?, ?, ?, ?, ?)`,
			rec.SearchID, res.Pos, res.Title, res.Summary, res.URL,
		); err != nil {
			return fmt.Errorf("inserting result %d of search %s: %w", res.Pos, rec.SearchID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) SaveEvent(ctx context.Context, userID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_events (user_id, event_id, search_id, kind, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, ev.ID, ev.SearchID, string(ev.Kind), string(payload), ev.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("inserting event %s: %w", ev.ID, err)
	}
	return nil
}

// LoadUser returns a user's searches in creation order and events in time
// order. Searches come back marked as past history.
func (s *SQLStore) LoadUser(ctx context.Context, userID string) ([]SearchInput, []Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT search_id, query, session_id, created_at FROM searches WHERE user_id = ? ORDER BY created_at, rowid`,
		userID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying searches: %w", err)
	}
	var searches []SearchInput
	positions := make(map[string]int)
	for rows.Next() {
		var in SearchInput
		var created int64
		if err := rows.Scan(&in.SearchID, &in.Query, &in.SessionID, &created); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning search: %w", err)
		}
		in.Created = time.Unix(0, created)
		in.FromPastHistory = true
		positions[in.SearchID] = len(searches)
		searches = append(searches, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating searches: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT r.search_id, r.pos, r.title, r.summary, r.url
		 FROM search_results r JOIN searches s ON s.search_id = r.search_id
		 WHERE s.user_id = ? ORDER BY r.search_id, r.pos`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying results: %w", err)
	}
	for rows.Next() {
		var searchID string
		var res Result
		if err := rows.Scan(&searchID, &res.Pos, &res.Title, &res.Summary, &res.URL); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning result: %w", err)
		}
		if i, ok := positions[searchID]; ok {
			searches[i].Results = append(searches[i].Results, res)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating results: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT event_id, payload FROM user_events WHERE user_id = ? ORDER BY ts, rowid`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, nil, fmt.Errorf("scanning event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			s.logger.Warn("skipping malformed stored event", "user_id", userID, "event_id", id, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating events: %w", err)
	}
	return searches, events, nil
}

// Users lists every user with stored searches.
func (s *SQLStore) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM searches ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
