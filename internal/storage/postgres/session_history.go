package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRecord is one local station's view of one session.
type SessionRecord struct {
	ID           int64
	SessionID    string
	LocalStation string
	SessionType  string
	IsHost       bool
	MaxGamers    int
	OpenedAt     time.Time
	ClosedAt     *time.Time
	EndReason    string
}

// Participant is one gamer's presence in a recorded session.
type Participant struct {
	Gamertag string
	Station  string
	IsLocal  bool
	JoinedAt time.Time
	LeftAt   *time.Time
}

// SessionEvent is one lifecycle transition recorded for a session.
type SessionEvent struct {
	Kind       string
	Detail     string
	OccurredAt time.Time
}

// ErrSessionNotFound is returned when a session reference matches no row.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when a station opens the same session twice.
var ErrSessionExists = errors.New("session already recorded")

// ErrParticipantNotFound is returned when a leave matches no present gamer.
var ErrParticipantNotFound = errors.New("participant not found")

// SessionHistoryRepository persists session lifecycles.
type SessionHistoryRepository struct {
	db *pgxpool.Pool
}

// NewSessionHistoryRepository creates a repository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSessionHistoryRepository(db *pgxpool.Pool) *SessionHistoryRepository {
	return &SessionHistoryRepository{db: db}
}

// OpenSession inserts a session row and returns its reference.
//
// Precondition: rec.SessionID and rec.LocalStation must be non-empty.
// Postcondition: Returns the new row id, or ErrSessionExists if this station
// already recorded the session.
func (r *SessionHistoryRepository) OpenSession(ctx context.Context, rec SessionRecord) (int64, error) {
	opened := rec.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO sessions (session_id, local_station, session_type, is_host, max_gamers, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		rec.SessionID, rec.LocalStation, rec.SessionType, rec.IsHost, rec.MaxGamers, opened,
	).Scan(&id)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, ErrSessionExists
		}
		return 0, fmt.Errorf("inserting session: %w", err)
	}
	return id, nil
}

// CloseSession stamps the end time and reason. Closing twice keeps the first.
//
// Postcondition: Returns ErrSessionNotFound if ref matches no row.
func (r *SessionHistoryRepository) CloseSession(ctx context.Context, ref int64, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET closed_at = COALESCE(closed_at, $2), end_reason = COALESCE(end_reason, $3)
		 WHERE id = $1`,
		ref, at, reason,
	)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetHost records whether the local station hosts the session.
func (r *SessionHistoryRepository) SetHost(ctx context.Context, ref int64, isHost bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE sessions SET is_host = $2 WHERE id = $1`, ref, isHost)
	if err != nil {
		return fmt.Errorf("updating session host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RecordJoin adds a participant row.
func (r *SessionHistoryRepository) RecordJoin(ctx context.Context, ref int64, p Participant) error {
	joined := p.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_participants (session_ref, gamertag, station, is_local, joined_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ref, p.Gamertag, p.Station, p.IsLocal, joined,
	)
	if err != nil {
		return fmt.Errorf("inserting participant: %w", err)
	}
	return nil
}

// RecordLeave stamps the leave time on the gamer's open participant row.
//
// Postcondition: Returns ErrParticipantNotFound if the gamer is not present.
func (r *SessionHistoryRepository) RecordLeave(ctx context.Context, ref int64, gamertag string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE session_participants SET left_at = $3
		 WHERE session_ref = $1 AND gamertag = $2 AND left_at IS NULL`,
		ref, gamertag, at,
	)
	if err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// RecordEvent appends a lifecycle event.
func (r *SessionHistoryRepository) RecordEvent(ctx context.Context, ref int64, ev SessionEvent) error {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_events (session_ref, kind, detail, occurred_at) VALUES ($1, $2, $3, $4)`,
		ref, ev.Kind, ev.Detail, at,
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

// GetSession retrieves one session row.
//
// Postcondition: Returns the record or ErrSessionNotFound.
func (r *SessionHistoryRepository) GetSession(ctx context.Context, ref int64) (SessionRecord, error) {
	rows, err := r.db.Query(ctx, sessionSelect+` WHERE id = $1`, ref)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("querying session: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, ErrSessionNotFound
		}
		return SessionRecord{}, fmt.Errorf("scanning session: %w", err)
	}
	return rec, nil
}

// Recent lists the most recently opened sessions, newest first.
//
// Precondition: limit must be > 0.
func (r *SessionHistoryRepository) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := r.db.Query(ctx, sessionSelect+` ORDER BY opened_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	return recs, nil
}

// Participants lists a session's participants in join order.
func (r *SessionHistoryRepository) Participants(ctx context.Context, ref int64) ([]Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT gamertag, station, is_local, joined_at, left_at
		 FROM session_participants WHERE session_ref = $1 ORDER BY id`,
		ref,
	)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Participant, error) {
		var p Participant
		err := row.Scan(&p.Gamertag, &p.Station, &p.IsLocal, &p.JoinedAt, &p.LeftAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning participants: %w", err)
	}
	return out, nil
}

// Events lists a session's lifecycle events in recording order.
func (r *SessionHistoryRepository) Events(ctx context.Context, ref int64) ([]SessionEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT kind, detail, occurred_at FROM session_events WHERE session_ref = $1 ORDER BY id`,
		ref,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionEvent, error) {
		var ev SessionEvent
		err := row.Scan(&ev.Kind, &ev.Detail, &ev.OccurredAt)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning session events: %w", err)
	}
	return out, nil
}

const sessionSelect = `SELECT id, session_id, local_station, session_type, is_host, max_gamers,
	opened_at, closed_at, COALESCE(end_reason, '') FROM sessions`

func scanSession(row pgx.CollectableRow) (SessionRecord, error) {
	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.LocalStation, &rec.SessionType, &rec.IsHost,
		&rec.MaxGamers, &rec.OpenedAt, &rec.ClosedAt, &rec.EndReason)
	return rec, err
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// SQLSTATE 23505 is unique_violation.
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
