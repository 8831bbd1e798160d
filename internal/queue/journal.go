package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/napageneral/hyperion/internal/model"
)

// LogEvent appends a journal row. queueID is 0 for events not tied to a
// specific entry.
func (q *Queue) LogEvent(queueID int64, taskID, level, message string, details json.RawMessage) error {
	var detailsArg any
	if len(details) > 0 {
		detailsArg = string(details)
	}
	_, err := q.st.Write.Exec(
		`INSERT INTO change_queue_logs (queue_id, task_id, level, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		queueID, taskID, level, message, detailsArg, now(),
	)
	if err != nil {
		return fmt.Errorf("log event %q: %w", message, err)
	}
	return nil
}

// RecordFileEvent appends a filesystem-notification row.
func (q *Queue) RecordFileEvent(path, event, source string, details json.RawMessage) error {
	var detailsArg any
	if len(details) > 0 {
		detailsArg = string(details)
	}
	_, err := q.st.Write.Exec(
		`INSERT INTO file_modifications (path, event, source, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		path, event, source, detailsArg, now(),
	)
	if err != nil {
		return fmt.Errorf("record file event: %w", err)
	}
	return nil
}

// RecentLogEventsSince returns log events with created_at >= since, newest
// first. Used by telemetry aggregation to replay the journal over a window.
func (q *Queue) RecentLogEventsSince(since int64) ([]*model.LogEvent, error) {
	rows, err := q.st.Read.Query(
		`SELECT id, queue_id, task_id, level, message, details, created_at
		 FROM change_queue_logs WHERE created_at >= ? ORDER BY created_at DESC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("recent log events since %d: %w", since, err)
	}
	defer rows.Close()

	var out []*model.LogEvent
	for rows.Next() {
		ev := &model.LogEvent{}
		var details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.QueueID, &ev.TaskID, &ev.Level, &ev.Message, &details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log event: %w", err)
		}
		if details.Valid {
			ev.Details = json.RawMessage(details.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecentFileEvents returns the most recent file events, newest first.
func (q *Queue) RecentFileEvents(limit int) ([]*model.FileEvent, error) {
	rows, err := q.st.Read.Query(
		`SELECT id, path, event, source, details, created_at FROM file_modifications ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent file events: %w", err)
	}
	defer rows.Close()

	var out []*model.FileEvent
	for rows.Next() {
		fe := &model.FileEvent{}
		var details sql.NullString
		if err := rows.Scan(&fe.ID, &fe.Path, &fe.Event, &fe.Source, &details, &fe.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file event: %w", err)
		}
		if details.Valid {
			fe.Details = json.RawMessage(details.String)
		}
		out = append(out, fe)
	}
	return out, rows.Err()
}

// UpsertAgentSession creates or updates the session addressed by resumeID.
func (q *Queue) UpsertAgentSession(resumeID, model_ string, allowAllTools bool) (*model.AgentSession, error) {
	ts := now()
	allow := 0
	if allowAllTools {
		allow = 1
	}
	_, err := q.st.Write.Exec(
		`INSERT INTO agent_sessions (resume_id, model, allow_all_tools, created_at, last_used)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(resume_id) DO UPDATE SET model = excluded.model, allow_all_tools = excluded.allow_all_tools, last_used = excluded.last_used`,
		resumeID, model_, allow, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert agent session %s: %w", resumeID, err)
	}
	return q.agentSessionByResumeID(resumeID)
}

func (q *Queue) agentSessionByResumeID(resumeID string) (*model.AgentSession, error) {
	row := q.st.Read.QueryRow(
		`SELECT id, resume_id, model, allow_all_tools, created_at, last_used FROM agent_sessions WHERE resume_id = ?`,
		resumeID,
	)
	return scanAgentSession(row)
}

// LatestAgentSession returns the most recently used session, if any.
func (q *Queue) LatestAgentSession() (*model.AgentSession, error) {
	row := q.st.Read.QueryRow(
		`SELECT id, resume_id, model, allow_all_tools, created_at, last_used FROM agent_sessions ORDER BY last_used DESC LIMIT 1`,
	)
	sess, err := scanAgentSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// ListAgentSessions returns all sessions, most recently created first.
func (q *Queue) ListAgentSessions() ([]*model.AgentSession, error) {
	rows, err := q.st.Read.Query(
		`SELECT id, resume_id, model, allow_all_tools, created_at, last_used FROM agent_sessions ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agent sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.AgentSession
	for rows.Next() {
		s, err := scanAgentSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TouchAgentSession updates last_used to now.
func (q *Queue) TouchAgentSession(id int64) error {
	_, err := q.st.Write.Exec(`UPDATE agent_sessions SET last_used = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("touch agent session %d: %w", id, err)
	}
	return nil
}

func scanAgentSession(row scannable) (*model.AgentSession, error) {
	s := &model.AgentSession{}
	var allow int
	if err := row.Scan(&s.ID, &s.ResumeID, &s.Model, &allow, &s.CreatedAt, &s.LastUsed); err != nil {
		return nil, err
	}
	s.AllowAllTools = allow != 0
	return s, nil
}

// DeadLetterCount returns the total number of dead letters ever recorded.
func (q *Queue) DeadLetterCount() (int64, error) {
	var n int64
	err := q.st.Read.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dead letter count: %w", err)
	}
	return n, nil
}

// CountAppliedOlderThan counts Applied entries whose updated_at predates now-ttlSecs.
func (q *Queue) CountAppliedOlderThan(ttlSecs int64) (int64, error) {
	return q.countStatusOlderThan(model.StatusApplied, ttlSecs)
}

func (q *Queue) countStatusOlderThan(status model.QueueStatus, ttlSecs int64) (int64, error) {
	var n int64
	err := q.st.Read.QueryRow(
		`SELECT COUNT(*) FROM change_queue WHERE status = ? AND updated_at < ?`,
		string(status), now()-ttlSecs,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s older than %ds: %w", status, ttlSecs, err)
	}
	return n, nil
}

// CountDeadLettersOlderThan counts dead letters recorded before now-ttlSecs.
func (q *Queue) CountDeadLettersOlderThan(ttlSecs int64) (int64, error) {
	var n int64
	err := q.st.Read.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE failed_at < ?`, now()-ttlSecs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters older than %ds: %w", ttlSecs, err)
	}
	return n, nil
}

// LastCleanupTimestamp returns the created_at of the most recent cleanup log
// event, or nil if none has run.
func (q *Queue) LastCleanupTimestamp() (*int64, error) {
	var ts int64
	err := q.st.Read.QueryRow(
		`SELECT created_at FROM change_queue_logs WHERE message = 'cleanup swept stale entries' ORDER BY created_at DESC LIMIT 1`,
	).Scan(&ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last cleanup timestamp: %w", err)
	}
	return &ts, nil
}

// MaxUpdatedTimestamp returns the most recent updated_at across all entries,
// or nil if the queue is empty.
func (q *Queue) MaxUpdatedTimestamp() (*int64, error) {
	var ts sql.NullInt64
	err := q.st.Read.QueryRow(`SELECT MAX(updated_at) FROM change_queue`).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("max updated timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	v := ts.Int64
	return &v, nil
}
