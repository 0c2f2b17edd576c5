package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Journal event kinds, one per framework event plus the bot's own actions.
const (
	EventConnected     = "connected"
	EventRoomJoined    = "room_joined"
	EventCreateFailed  = "create_failed"
	EventJoinFailed    = "join_failed"
	EventRoomExited    = "room_exited"
	EventPlayerEntered = "player_entered"
	EventPlayerLeft    = "player_left"
	EventActionSent    = "action_sent"
	EventActionHandled = "action_handled"
)

// ErrInvalidEvent is returned when an entry lacks a session id or an event kind.
var ErrInvalidEvent = errors.New("invalid journal entry")

// JournalEntry is one recorded session event.
type JournalEntry struct {
	ID         int64
	SessionID  uuid.UUID
	MatchID    string
	UserID     string
	Event      string
	Detail     map[string]any
	RecordedAt time.Time
}

// JournalRepository stores session events.
type JournalRepository struct {
	db *pgxpool.Pool
}

// NewJournalRepository creates a JournalRepository backed by db.
//
// Precondition: db must be a valid, open connection pool.
func NewJournalRepository(db *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{db: db}
}

// Record appends e to the journal.
//
// Precondition: e.SessionID must be set and e.Event non-empty.
// Postcondition: Returns e with ID and RecordedAt set.
func (r *JournalRepository) Record(ctx context.Context, e JournalEntry) (JournalEntry, error) {
	if e.SessionID == uuid.Nil || e.Event == "" {
		return JournalEntry{}, ErrInvalidEvent
	}
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO session_journal (session_id, match_id, user_id, event, detail)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, recorded_at`,
		e.SessionID.String(), e.MatchID, e.UserID, e.Event, e.Detail,
	).Scan(&e.ID, &e.RecordedAt)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("recording %s: %w", e.Event, err)
	}
	return e, nil
}

// ListByMatch returns every entry recorded for matchID, oldest first.
func (r *JournalRepository) ListByMatch(ctx context.Context, matchID string) ([]JournalEntry, error) {
	return r.list(ctx,
		`SELECT id, session_id::text, match_id, user_id, event, detail, recorded_at
		 FROM session_journal WHERE match_id = $1 ORDER BY id`, matchID)
}

// ListBySession returns every entry of one bot session, oldest first.
func (r *JournalRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]JournalEntry, error) {
	return r.list(ctx,
		`SELECT id, session_id::text, match_id, user_id, event, detail, recorded_at
		 FROM session_journal WHERE session_id = $1 ORDER BY id`, sessionID.String())
}

func (r *JournalRepository) list(ctx context.Context, query string, arg any) ([]JournalEntry, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (JournalEntry, error) {
		var (
			e   JournalEntry
			sid string
		)
		if err := row.Scan(&e.ID, &sid, &e.MatchID, &e.UserID, &e.Event, &e.Detail, &e.RecordedAt); err != nil {
			return JournalEntry{}, err
		}
		parsed, err := uuid.Parse(sid)
		if err != nil {
			return JournalEntry{}, fmt.Errorf("session id %q: %w", sid, err)
		}
		e.SessionID = parsed
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}
	return entries, nil
}
