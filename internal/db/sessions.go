package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionCounters are the frame tallies kept for a tracking session.
type SessionCounters struct {
	Frames    uint64 `json:"frames"`
	OK        uint64 `json:"ok"`
	Skipped   uint64 `json:"skipped"`
	Stale     uint64 `json:"stale"`
	Switches  uint64 `json:"switches"`
	OutOfLock uint64 `json:"out_of_lock"`
}

// Session is one run of the tracker over a frame source.
type Session struct {
	ID               string     `json:"id"`
	Started          time.Time  `json:"started"`
	Ended            *time.Time `json:"ended,omitempty"`
	Source           string     `json:"source"`
	Locator          string     `json:"locator"`
	Denoiser         string     `json:"denoiser"`
	ThresholdOffsets []int      `json:"threshold_offsets"`
	LockThreshold    float64    `json:"lock_threshold"`
	SessionCounters
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("threshold offsets %q: %w", s, err)
		}
		out[i] = n
	}
	return out, nil
}

// InsertSession stores s, assigning a new id and start time when they are
// unset.
func (db *DB) InsertSession(s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Started.IsZero() {
		s.Started = time.Now()
	}
	_, err := db.Exec(`INSERT INTO sessions (
			session_id, started_unix, source, locator, denoiser,
			threshold_offsets, lock_threshold
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, unixSeconds(s.Started), s.Source, s.Locator, s.Denoiser,
		joinInts(s.ThresholdOffsets), s.LockThreshold,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateSessionCounters overwrites the frame tallies of a running session.
func (db *DB) UpdateSessionCounters(id string, c SessionCounters) error {
	return db.updateSession(id, nil, c)
}

// EndSession records the final tallies and end time.
func (db *DB) EndSession(id string, ended time.Time, c SessionCounters) error {
	return db.updateSession(id, &ended, c)
}

func (db *DB) updateSession(id string, ended *time.Time, c SessionCounters) error {
	var endedUnix sql.NullFloat64
	if ended != nil {
		endedUnix = sql.NullFloat64{Float64: unixSeconds(*ended), Valid: true}
	}
	res, err := db.Exec(`UPDATE sessions SET
			ended_unix = COALESCE(?, ended_unix),
			frames = ?, frames_ok = ?, frames_skipped = ?, frames_stale = ?,
			switches = ?, out_of_lock = ?
		WHERE session_id = ?`,
		endedUnix, c.Frames, c.OK, c.Skipped, c.Stale, c.Switches, c.OutOfLock, id,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `session_id, started_unix, ended_unix, source, locator, denoiser,
	threshold_offsets, lock_threshold, frames, frames_ok, frames_skipped,
	frames_stale, switches, out_of_lock`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s       Session
		started float64
		ended   sql.NullFloat64
		offsets string
	)
	if err := row.Scan(&s.ID, &started, &ended, &s.Source, &s.Locator, &s.Denoiser,
		&offsets, &s.LockThreshold, &s.Frames, &s.OK, &s.Skipped,
		&s.Stale, &s.Switches, &s.OutOfLock); err != nil {
		return nil, err
	}
	s.Started = fromUnixSeconds(started)
	if ended.Valid {
		t := fromUnixSeconds(ended.Float64)
		s.Ended = &t
	}
	var err error
	if s.ThresholdOffsets, err = splitInts(offsets); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns the session with the given id.
func (db *DB) GetSession(id string) (*Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// ListSessions returns up to limit sessions, newest first.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
