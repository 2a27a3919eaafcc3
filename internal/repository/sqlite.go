package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scm-relay/internal/domain"
)

// SQLiteDirectory is a ContactDirectory stored in a local SQLite file, used
// when the relay runs outside AWS.
type SQLiteDirectory struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteDirectory opens (and if needed creates) the database at path.
func NewSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	logger := slog.Default().With("component", "contacts")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repository: creating database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("repository: opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			subscriptions    TEXT NOT NULL,
			reach_back       TEXT NOT NULL,
			registered_date  TEXT NOT NULL,
			last_updated     TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: creating schema: %w", err)
	}

	logger.Info("SQLite contact directory initialized", "path", path)
	return &SQLiteDirectory{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteDirectory) Close() error {
	return s.db.Close()
}

func (s *SQLiteDirectory) Upsert(ctx context.Context, identity, displayName string, ref domain.ConversationReference, subscriptions []string) (domain.ContactRecord, error) {
	identity, err := validIdentity(identity)
	if err != nil {
		return domain.ContactRecord{}, err
	}
	subsJSON, err := json.Marshal(domain.NormalizeTags(subscriptions))
	if err != nil {
		return domain.ContactRecord{}, fmt.Errorf("repository: marshal subscriptions: %w", err)
	}
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return domain.ContactRecord{}, fmt.Errorf("repository: marshal reach-back handle: %w", err)
	}
	now := formatTime(s.now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, name, subscriptions, reach_back, registered_date, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			subscriptions = excluded.subscriptions,
			reach_back = excluded.reach_back,
			last_updated = excluded.last_updated`,
		identity, displayName, string(subsJSON), string(refJSON), now, now)
	if err != nil {
		return domain.ContactRecord{}, storageErr("upsert", err)
	}
	rec, ok, err := s.Get(ctx, identity)
	if err != nil {
		return domain.ContactRecord{}, err
	}
	if !ok {
		return domain.ContactRecord{}, storageErr("upsert", errors.New("record missing after write"))
	}
	return rec, nil
}

func (s *SQLiteDirectory) Get(ctx context.Context, identity string) (domain.ContactRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, subscriptions, reach_back, registered_date, last_updated
		FROM contacts WHERE id = ?`, identity)
	rec, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContactRecord{}, false, nil
	}
	if err != nil {
		return domain.ContactRecord{}, false, storageErr("get", err)
	}
	return rec, true, nil
}

func (s *SQLiteDirectory) FindByIdentities(ctx context.Context, identities []string) ([]domain.ContactRecord, error) {
	ids := uniqueIdentities(identities)
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, name, subscriptions, reach_back, registered_date, last_updated
		FROM contacts WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `) ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("find by identities", err)
	}
	defer rows.Close()

	var out []domain.ContactRecord
	for rows.Next() {
		rec, err := scanContact(rows)
		if err != nil {
			return nil, storageErr("find by identities", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("find by identities", err)
	}
	return out, nil
}

func (s *SQLiteDirectory) FilterBySubscription(ctx context.Context, identities []string, tag string) ([]string, error) {
	found, err := s.FindByIdentities(ctx, identities)
	if err != nil {
		return nil, err
	}
	return notSubscribed(identities, found, tag), nil
}

func (s *SQLiteDirectory) ListIdentities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM contacts ORDER BY id`)
	if err != nil {
		return nil, storageErr("list identities", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("list identities", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list identities", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (domain.ContactRecord, error) {
	var (
		rec                                     domain.ContactRecord
		subsJSON, refJSON, registered, modified string
	)
	if err := row.Scan(&rec.ID, &rec.Name, &subsJSON, &refJSON, &registered, &modified); err != nil {
		return domain.ContactRecord{}, err
	}
	if err := json.Unmarshal([]byte(subsJSON), &rec.Subscriptions); err != nil {
		return domain.ContactRecord{}, fmt.Errorf("decode subscriptions: %w", err)
	}
	if err := json.Unmarshal([]byte(refJSON), &rec.ReachBack); err != nil {
		return domain.ContactRecord{}, fmt.Errorf("decode reach-back handle: %w", err)
	}
	var err error
	if rec.RegisteredDate, err = time.Parse(time.RFC3339Nano, registered); err != nil {
		return domain.ContactRecord{}, fmt.Errorf("parse registered_date: %w", err)
	}
	if rec.LastUpdated, err = time.Parse(time.RFC3339Nano, modified); err != nil {
		return domain.ContactRecord{}, fmt.Errorf("parse last_updated: %w", err)
	}
	return rec, nil
}
