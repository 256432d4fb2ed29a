package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS signal_messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	call_id    TEXT NOT NULL,
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signal_call_to ON signal_messages (call_id, to_id);

CREATE TABLE IF NOT EXISTS call_sessions (
	id               TEXT PRIMARY KEY,
	initiator_id     TEXT NOT NULL,
	target_id        TEXT NOT NULL DEFAULT '',
	media_kind       TEXT NOT NULL,
	status           TEXT NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	ended_at         TIMESTAMP,
	duration_seconds INTEGER
);

CREATE TABLE IF NOT EXISTS call_participants (
	call_id        TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	is_host        INTEGER NOT NULL DEFAULT 0,
	audio_muted    INTEGER NOT NULL DEFAULT 0,
	video_muted    INTEGER NOT NULL DEFAULT 0,
	sharing_screen INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (call_id, user_id)
);
`

// SQLiteStore persists SignalMessage and CallSession records. The change
// feed is in-process: a single relay deployment writes and notifies from the
// same binary, rows stay durable across restarts.
type SQLiteStore struct {
	db   *sql.DB
	feed *hub
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, feed: newHub()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) AppendSignal(ctx context.Context, msg *domain.SignalMessage) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO signal_messages (id, call_id, from_id, to_id, kind, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		msg.ID, msg.CallID, msg.FromID, msg.ToID, msg.Kind, []byte(msg.Payload),
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	cp := *msg
	s.feed.publish([]domain.UserID{msg.ToID}, Event{Signal: &cp})
	return nil
}

func (s *SQLiteStore) SignalsForCall(ctx context.Context, callID string, to domain.UserID) ([]*domain.SignalMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, call_id, from_id, to_id, kind, payload
		FROM signal_messages WHERE call_id = ? AND to_id = ? ORDER BY seq`,
		callID, to)
	if err != nil {
		return nil, fmt.Errorf("signals for call: %w", err)
	}
	defer rows.Close()

	var out []*domain.SignalMessage
	for rows.Next() {
		m := &domain.SignalMessage{}
		var payload []byte
		if err := rows.Scan(&m.Seq, &m.ID, &m.CallID, &m.FromID, &m.ToID, &m.Kind, &payload); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutCall(ctx context.Context, call *domain.CallSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions (id, initiator_id, target_id, media_kind, status, started_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status,
			ended_at = excluded.ended_at, duration_seconds = excluded.duration_seconds`,
		call.ID, call.InitiatorID, call.TargetID, call.Kind, call.Status,
		call.StartedAt, call.EndedAt, call.DurationSeconds)
	if err != nil {
		return fmt.Errorf("put call: %w", err)
	}
	cp := *call
	s.feed.publish(s.callRecipients(ctx, &cp), Event{Call: &cp})
	return nil
}

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*domain.CallSession, error) {
	c := &domain.CallSession{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, initiator_id, target_id, media_kind, status, started_at, ended_at, duration_seconds
		FROM call_sessions WHERE id = ?`, id,
	).Scan(&c.ID, &c.InitiatorID, &c.TargetID, &c.Kind, &c.Status, &c.StartedAt, &c.EndedAt, &c.DurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNoSuchCall
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateCallStatus(ctx context.Context, id string, status domain.CallStatus, endedAt *time.Time, durationSeconds *int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current domain.CallStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM call_sessions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNoSuchCall
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !domain.CanTransition(current, status) {
		if current.Terminal() {
			return core.ErrCallTerminal
		}
		return fmt.Errorf("illegal status transition %s -> %s", current, status)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE call_sessions SET status = ?, ended_at = ?, duration_seconds = ? WHERE id = ?`,
		status, endedAt, durationSeconds, id); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c, err := s.GetCall(ctx, id)
	if err != nil {
		return err
	}
	s.feed.publish(s.callRecipients(ctx, c), Event{Call: c})
	return nil
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, callID string, p domain.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_participants (call_id, user_id, is_host, audio_muted, video_muted, sharing_screen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id, user_id) DO UPDATE SET is_host = excluded.is_host,
			audio_muted = excluded.audio_muted, video_muted = excluded.video_muted,
			sharing_screen = excluded.sharing_screen`,
		callID, p.UserID, p.IsHost, p.AudioMuted, p.VideoMuted, p.SharingScreen)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	s.notifyCall(ctx, callID)
	return nil
}

func (s *SQLiteStore) RemoveParticipant(ctx context.Context, callID string, userID domain.UserID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM call_participants WHERE call_id = ? AND user_id = ?`, callID, userID)
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	s.notifyCall(ctx, callID)
	return nil
}

// notifyCall re-publishes the call record so mesh members observe
// membership changes through the same feed as status changes.
func (s *SQLiteStore) notifyCall(ctx context.Context, callID string) {
	c, err := s.GetCall(ctx, callID)
	if err != nil {
		return
	}
	s.feed.publish(s.callRecipients(ctx, c), Event{Call: c})
}

func (s *SQLiteStore) Participants(ctx context.Context, callID string) ([]domain.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, is_host, audio_muted, video_muted, sharing_screen
		FROM call_participants WHERE call_id = ?`, callID)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.UserID, &p.IsHost, &p.AudioMuted, &p.VideoMuted, &p.SharingScreen); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Subscribe(recipient domain.UserID) (<-chan Event, func()) {
	return s.feed.subscribe(recipient)
}

func (s *SQLiteStore) callRecipients(ctx context.Context, c *domain.CallSession) []domain.UserID {
	seen := map[domain.UserID]bool{}
	var out []domain.UserID
	add := func(id domain.UserID) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(c.TargetID)
	add(c.InitiatorID)
	if parts, err := s.Participants(ctx, c.ID); err == nil {
		for _, p := range parts {
			add(p.UserID)
		}
	}
	return out
}
