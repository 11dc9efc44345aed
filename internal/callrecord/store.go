package callrecord

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This store assumes the following tables exist:
// - calls            (one row per call or SMS, keyed by call_id)
// - call_transcripts (append-only transcript lines)

var (
	ErrNotFound        = errors.New("callrecord: not found")
	ErrInvalidArgument = errors.New("callrecord: invalid argument")
)

// Store persists call records. All writes go through here so the
// "no call silently stuck in a live status" invariant has a single
// enforcement point.
type Store struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: func() time.Time { return time.Now().UTC() }}
}

// Create inserts the record at enqueue time with status queued.
func (s *Store) Create(ctx context.Context, rec Record) error {
	if rec.CallID == "" || rec.UserID == "" {
		return ErrInvalidArgument
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.Kind == "" {
		rec.Kind = KindCall
	}
	now := s.clock()
	const q = `
INSERT INTO calls (call_id, task_id, user_id, kind, business_name, phone_number, status, retry_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT (call_id) DO NOTHING
`
	_, err := s.db.ExecContext(ctx, q,
		rec.CallID, rec.TaskID, rec.UserID, rec.Kind,
		rec.BusinessName, rec.PhoneNumber, rec.Status, rec.RetryCount, now,
	)
	return err
}

func (s *Store) Get(ctx context.Context, callID string) (Record, error) {
	const q = `
SELECT call_id, task_id, user_id, kind, business_name, phone_number,
       status, status_detail, provider_sid,
       started_at, ended_at, hold_started_at,
       retry_count, result, result_summary, error, memory_extraction,
       created_at, updated_at
FROM calls
WHERE call_id = $1
`
	var r Record
	var detail, providerSID, summary, errText, memory sql.NullString
	var startedAt, endedAt, holdStartedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, q, callID).Scan(
		&r.CallID, &r.TaskID, &r.UserID, &r.Kind, &r.BusinessName, &r.PhoneNumber,
		&r.Status, &detail, &providerSID,
		&startedAt, &endedAt, &holdStartedAt,
		&r.RetryCount, &r.Result, &summary, &errText, &memory,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	r.StatusDetail = detail.String
	r.ProviderSID = providerSID.String
	r.ResultSummary = summary.String
	r.Error = errText.String
	r.MemoryExtraction = memory.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		r.EndedAt = &endedAt.Time
	}
	if holdStartedAt.Valid {
		r.HoldStartedAt = &holdStartedAt.Time
	}
	return r, nil
}

// SetStatus moves the record to status and replaces the detail text.
func (s *Store) SetStatus(ctx context.Context, callID string, status Status, detail string) error {
	const q = `
UPDATE calls SET status = $2, status_detail = $3, updated_at = $4
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, status, detail, s.clock())
}

// SetStatusDetail updates detail only, leaving the status alone. Used by
// the hold ticker.
func (s *Store) SetStatusDetail(ctx context.Context, callID, detail string) error {
	const q = `
UPDATE calls SET status_detail = $2, updated_at = $3
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, detail, s.clock())
}

// MarkInitiating records the dial attempt and its outbound number.
func (s *Store) MarkInitiating(ctx context.Context, callID, fromNumber string) error {
	const q = `
UPDATE calls SET status = $2, status_detail = $3, updated_at = $4
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, StatusInitiating, "dialing from "+fromNumber, s.clock())
}

// MarkStarted persists the provider call sid and moves to in_progress.
// Run on channel setup when the callee answers.
func (s *Store) MarkStarted(ctx context.Context, callID, providerSID string) error {
	now := s.clock()
	const q = `
UPDATE calls SET status = $2, provider_sid = $3, started_at = COALESCE(started_at, $4), updated_at = $4
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, StatusInProgress, providerSID, now)
}

// SetProviderSID records the provider identifier without touching status.
// The initiator uses it; an SMS dispatch records its message sid here too.
func (s *Store) SetProviderSID(ctx context.Context, callID, providerSID string) error {
	const q = `
UPDATE calls SET provider_sid = $2, updated_at = $3
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, providerSID, s.clock())
}

// StartHold stamps hold_started_at and moves to on_hold.
func (s *Store) StartHold(ctx context.Context, callID string) error {
	now := s.clock()
	const q = `
UPDATE calls SET status = $2, hold_started_at = $3, status_detail = 'on hold', updated_at = $3
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, StatusOnHold, now)
}

// EndHold clears hold_started_at and returns to in_progress.
func (s *Store) EndHold(ctx context.Context, callID string) error {
	const q = `
UPDATE calls SET status = $2, hold_started_at = NULL, status_detail = '', updated_at = $3
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, StatusInProgress, s.clock())
}

// MarkRetrying moves the record to retrying and bumps retry_count.
func (s *Store) MarkRetrying(ctx context.Context, callID, reason string) error {
	const q = `
UPDATE calls SET status = $2, status_detail = $3, retry_count = retry_count + 1, hold_started_at = NULL, updated_at = $4
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, StatusRetrying, "retrying: "+reason, s.clock())
}

// Complete finalizes the record with the structured result and summary.
func (s *Store) Complete(ctx context.Context, callID string, result []byte, summary string) error {
	now := s.clock()
	const q = `
UPDATE calls
SET status = $2, status_detail = '', result = $3, result_summary = $4,
    ended_at = COALESCE(ended_at, $5), hold_started_at = NULL, updated_at = $5
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, StatusCompleted, result, summary, now)
}

// Fail finalizes the record with an error string. Every non-retry terminal
// state carries either a summary or an error; this is the error side.
func (s *Store) Fail(ctx context.Context, callID, errText string) error {
	now := s.clock()
	const q = `
UPDATE calls
SET status = $2, error = $3, ended_at = COALESCE(ended_at, $4), hold_started_at = NULL, updated_at = $4
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, StatusFailed, errText, now)
}

// SetMemoryExtraction stores the post-call extraction output. Failures of
// the extraction task never touch any other column.
func (s *Store) SetMemoryExtraction(ctx context.Context, callID, text string) error {
	const q = `
UPDATE calls SET memory_extraction = $2, updated_at = $3
WHERE call_id = $1
`
	return s.exec(ctx, q, callID, text, s.clock())
}

// AppendTranscript appends one transcript line in receipt order.
func (s *Store) AppendTranscript(ctx context.Context, callID, role, text string) error {
	const q = `
INSERT INTO call_transcripts (call_id, role, text, created_at)
VALUES ($1, $2, $3, $4)
`
	_, err := s.db.ExecContext(ctx, q, callID, role, text, s.clock())
	return err
}

// Transcript returns the full transcript in append order.
func (s *Store) Transcript(ctx context.Context, callID string) ([]TranscriptEntry, error) {
	const q = `
SELECT call_id, role, text, created_at
FROM call_transcripts
WHERE call_id = $1
ORDER BY created_at ASC
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.CallID, &e.Role, &e.Text, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, q string, callID string, args ...any) error {
	all := append([]any{callID}, args...)
	res, err := s.db.ExecContext(ctx, q, all...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
