package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fixation.watch/internal/actuator"
	"github.com/banshee-data/fixation.watch/internal/monitoring"
)

// TestResult is a stored controller report.
type TestResult struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Recorded  time.Time       `json:"recorded"`
	Report    actuator.Report `json:"report"`
}

// Summary derives the results figures for r.
func (r TestResult) Summary() actuator.Summary { return actuator.Summarize(r.Report) }

// InsertTestResult stores rep under sessionID, which may be empty. The
// record time is rep.Received, or now when that is unset.
func (db *DB) InsertTestResult(sessionID string, rep actuator.Report) (*TestResult, error) {
	recorded := rep.Received
	if recorded.IsZero() {
		recorded = time.Now()
	}
	var sid sql.NullString
	if sessionID != "" {
		sid = sql.NullString{String: sessionID, Valid: true}
	}
	res, err := db.Exec(`INSERT INTO test_results (
			session_id, recorded_unix, test_status, points_shown, total_points,
			clicks, click_pattern, out_of_thres_counter
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sid, unixSeconds(recorded), string(rep.TestStatus), rep.PointsShown, rep.TotalPoints,
		rep.Clicks, rep.ClickPattern, rep.OutOfThresCounter,
	)
	if err != nil {
		return nil, fmt.Errorf("insert test result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &TestResult{ID: id, SessionID: sessionID, Recorded: fromUnixSeconds(unixSeconds(recorded)), Report: rep}, nil
}

const resultColumns = `result_id, session_id, recorded_unix, test_status, points_shown,
	total_points, clicks, click_pattern, out_of_thres_counter`

func scanResult(row scanner) (*TestResult, error) {
	var (
		r        TestResult
		sid      sql.NullString
		recorded float64
		status   string
	)
	if err := row.Scan(&r.ID, &sid, &recorded, &status, &r.Report.PointsShown,
		&r.Report.TotalPoints, &r.Report.Clicks, &r.Report.ClickPattern,
		&r.Report.OutOfThresCounter); err != nil {
		return nil, err
	}
	r.SessionID = sid.String
	r.Recorded = fromUnixSeconds(recorded)
	r.Report.TestStatus = actuator.Status(status)
	r.Report.Received = r.Recorded
	return &r, nil
}

// GetTestResult returns the result with the given id.
func (db *DB) GetTestResult(id int64) (*TestResult, error) {
	r, err := scanResult(db.QueryRow(`SELECT `+resultColumns+` FROM test_results WHERE result_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("test result %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ListTestResults returns up to limit results, newest first. A non-empty
// sessionID restricts the list to that session.
func (db *DB) ListTestResults(sessionID string, limit int) ([]TestResult, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + resultColumns + ` FROM test_results`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY recorded_unix DESC, result_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ResultRecorder stores a report each time the controller enters the
// finished state. Repeated "Test Finished" reports for the same test are
// stored once.
type ResultRecorder struct {
	db        *DB
	sessionID string

	mu   sync.Mutex
	last actuator.Status
}

func NewResultRecorder(db *DB, sessionID string) *ResultRecorder {
	return &ResultRecorder{db: db, sessionID: sessionID}
}

// ObserveReport has the signature of an actuator.Bridge observer.
func (rr *ResultRecorder) ObserveReport(rep actuator.Report) {
	rr.mu.Lock()
	prev := rr.last
	rr.last = rep.TestStatus
	rr.mu.Unlock()

	if rep.TestStatus != actuator.StatusFinished || prev == actuator.StatusFinished {
		return
	}
	res, err := rr.db.InsertTestResult(rr.sessionID, rep)
	if err != nil {
		monitoring.Logf("[db] store test result: %v", err)
		return
	}
	monitoring.Logf("[db] stored test result %d: %d/%d points shown", res.ID, rep.PointsShown, rep.TotalPoints)
}
