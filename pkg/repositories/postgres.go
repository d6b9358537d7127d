package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/governor/pkg/engine/types"
	"github.com/cbodonnell/governor/pkg/patches"
	"github.com/jackc/pgx/v5"
)

type PostgresRepository struct {
	conn *pgx.Conn
}

// NewPostgresRepository connects to the database and verifies the
// connection. The schema is managed externally; see
// migrations/postgres. The caller is responsible for calling Close().
func NewPostgresRepository(ctx context.Context, connStr string) (Repository, error) {
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &PostgresRepository{
		conn: conn,
	}, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

func (r *PostgresRepository) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	participants, err := json.Marshal(snapshot.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %v", err)
	}

	q := `
	INSERT INTO session_snapshots (session_id, status, sequence, state, participants, winner, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (session_id) DO UPDATE SET
		status = $2, sequence = $3, state = $4, participants = $5, winner = $6, updated_at = $7;
	`
	_, err = r.conn.Exec(ctx, q,
		snapshot.SessionID,
		string(snapshot.Status),
		snapshot.Sequence,
		string(snapshot.State),
		string(participants),
		snapshot.Winner,
		snapshot.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session snapshot: %v", err)
	}

	return nil
}

func (r *PostgresRepository) LoadSnapshot(ctx context.Context, sessionID string) (*types.Snapshot, error) {
	q := `
	SELECT status, sequence, state, participants, winner, updated_at
	FROM session_snapshots WHERE session_id = $1;
	`
	snapshot := &types.Snapshot{SessionID: sessionID}
	var status string
	var state string
	var participants string
	if err := r.conn.QueryRow(ctx, q, sessionID).Scan(&status, &snapshot.Sequence, &state, &participants, &snapshot.Winner, &snapshot.Timestamp); err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to scan session snapshot: %v", err)
	}

	snapshot.Status = types.Status(status)
	if state != "" {
		snapshot.State = json.RawMessage(state)
	}
	if err := json.Unmarshal([]byte(participants), &snapshot.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %v", err)
	}

	return snapshot, nil
}

func (r *PostgresRepository) SavePatch(ctx context.Context, patch *patches.Patch) error {
	q := `
	INSERT INTO session_patches (session_id, from_seq, to_seq, delta, created_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (session_id, to_seq) DO NOTHING;
	`
	_, err := r.conn.Exec(ctx, q,
		patch.SessionID,
		patch.FromSeq,
		patch.ToSeq,
		string(patch.Delta),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session patch: %v", err)
	}

	return nil
}

func (r *PostgresRepository) ListPatches(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]*patches.Patch, error) {
	q := `
	SELECT from_seq, to_seq, delta FROM session_patches
	WHERE session_id = $1 AND from_seq >= $2
	ORDER BY from_seq ASC LIMIT $3;
	`
	rows, err := r.conn.Query(ctx, q, sessionID, fromSeq, limit)
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
