package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/patches"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(ctx context.Context, path string, migrations string) (Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	dir, err := os.ReadDir(migrations)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %v", err)
	}

	for _, entry := range dir {
		if entry.IsDir() {
			continue
		}

		migrationPath := filepath.Join(migrations, entry.Name())
		migration, err := os.ReadFile(migrationPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %v", migrationPath, err)
		}

		if _, err := db.ExecContext(ctx, string(migration)); err != nil {
			return nil, fmt.Errorf("failed to execute migration %s: %v", migrationPath, err)
		}
	}

	return &SQLiteRepository{
		db: db,
	}, nil
}

func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	participants, err := json.Marshal(snapshot.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %v", err)
	}

	q := `
	INSERT OR REPLACE INTO session_snapshots (session_id, status, sequence, state, participants, winner, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?);
	`
	_, err = r.db.ExecContext(ctx, q,
		snapshot.SessionID,
		string(snapshot.Status),
		snapshot.Sequence,
		string(snapshot.State),
		string(participants),
		snapshot.Winner,
		snapshot.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session snapshot: %v", err)
	}

	return nil
}

func (r *SQLiteRepository) LoadSnapshot(ctx context.Context, sessionID string) (*types.Snapshot, error) {
	q := `
	SELECT status, sequence, state, participants, winner, updated_at
	FROM session_snapshots WHERE session_id = ?;
	`
	var status string
	var sequence uint64
	var state string
	var participants string
	var winner string
	var updatedAt string
	if err := r.db.QueryRowContext(ctx, q, sessionID).Scan(&status, &sequence, &state, &participants, &winner, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to scan session snapshot: %v", err)
	}

	snapshot := &types.Snapshot{
		SessionID: sessionID,
		Status:    types.Status(status),
		Sequence:  sequence,
		Winner:    winner,
	}
	if state != "" {
		snapshot.State = json.RawMessage(state)
	}
	if err := json.Unmarshal([]byte(participants), &snapshot.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %v", err)
	}
	timestamp, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp: %v", err)
	}
	snapshot.Timestamp = timestamp

	return snapshot, nil
}

func (r *SQLiteRepository) SavePatch(ctx context.Context, patch *patches.Patch) error {
	q := `
	INSERT OR IGNORE INTO session_patches (session_id, from_seq, to_seq, delta, created_at)
	VALUES (?, ?, ?, ?, ?);
	`
	_, err := r.db.ExecContext(ctx, q,
		patch.SessionID,
		patch.FromSeq,
		patch.ToSeq,
		string(patch.Delta),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session patch: %v", err)
	}

	return nil
}

func (r *SQLiteRepository) ListPatches(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]*patches.Patch, error) {
	q := `
	SELECT from_seq, to_seq, delta FROM session_patches
	WHERE session_id = ? AND from_seq >= ?
	ORDER BY from_seq ASC LIMIT ?;
	`
	rows, err := r.db.QueryContext(ctx, q, sessionID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session patches: %v", err)
	}
	defer rows.Close()

	listed := make([]*patches.Patch, 0)
	for rows.Next() {
		patch := &patches.Patch{SessionID: sessionID}
		var delta string
		if err := rows.Scan(&patch.FromSeq, &patch.ToSeq, &delta); err != nil {
			return nil, fmt.Errorf("failed to scan session patch: %v", err)
		}
		patch.Delta = json.RawMessage(delta)
		listed = append(listed, patch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session patches: %v", err)
	}

	return listed, nil
}
