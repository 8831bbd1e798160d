// Package queue implements the durable leased job queue described by the
// design: exactly-one-claim dequeue over a single-writer SQLite store,
// bounded retries, and atomic dead-lettering on terminal failure.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/store"
)

// Queue wraps a *store.Store with the leased-queue operation set. All
// mutation goes through Queue; every other component reads through it.
type Queue struct {
	st *store.Store
}

// New wraps st in a Queue.
func New(st *store.Store) *Queue {
	return &Queue{st: st}
}

func now() int64 {
	return time.Now().Unix()
}

// Enqueue serializes request and inserts it as a new Pending entry,
// returning its id.
func (q *Queue) Enqueue(request model.ChangeRequest) (int64, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return 0, fmt.Errorf("marshal change request: %w", err)
	}

	ts := now()
	res, err := q.st.Write.Exec(
		`INSERT INTO change_queue (status, payload, updated_at, created_at) VALUES (?, ?, ?, ?)`,
		string(model.StatusPending), string(payload), ts, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue: read last insert id: %w", err)
	}
	return id, nil
}

// Dequeue atomically claims the oldest eligible entry: the smallest-id row
// that is Pending, or InProgress with an expired lease. Returns nil, nil when
// nothing is eligible.
func (q *Queue) Dequeue(leaseDuration time.Duration, owner string) (*model.QueueEntry, error) {
	ts := now()
	leaseUntil := ts + int64(leaseDuration.Seconds())

	tx, err := q.st.Write.Begin()
	if err != nil {
		return nil, fmt.Errorf("dequeue: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, status, payload, attempts, last_error, leased_until, lease_owner, created_at, updated_at
		 FROM change_queue
		 WHERE status = ? OR (status = ? AND leased_until < ?)
		 ORDER BY id
		 LIMIT 1`,
		string(model.StatusPending), string(model.StatusInProgress), ts,
	)

	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: select: %w", err)
	}

	newAttempts := entry.Attempts + 1
	if _, err := tx.Exec(
		`UPDATE change_queue SET status = ?, attempts = ?, leased_until = ?, lease_owner = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusInProgress), newAttempts, leaseUntil, owner, ts, entry.ID,
	); err != nil {
		return nil, fmt.Errorf("dequeue: claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dequeue: commit: %w", err)
	}

	entry.Status = model.StatusInProgress
	entry.Attempts = newAttempts
	entry.LeasedUntil = &leaseUntil
	entry.LeaseOwner = &owner
	entry.UpdatedAt = ts
	return entry, nil
}

// MarkApplied transitions id to Applied. Marking an already-Failed row
// applied is an illegal transition (§9 open question: specified as an
// error, not a silent no-op).
func (q *Queue) MarkApplied(id int64) error {
	status, err := q.statusOf(id)
	if err != nil {
		return err
	}
	if status == model.StatusFailed {
		return fmt.Errorf("mark applied %d: %w", id, store.ErrIllegalTransition)
	}

	ts := now()
	res, err := q.st.Write.Exec(
		`UPDATE change_queue SET status = ?, leased_until = NULL, lease_owner = NULL, updated_at = ? WHERE id = ?`,
		string(model.StatusApplied), ts, id,
	)
	if err != nil {
		return fmt.Errorf("mark applied %d: %w", id, err)
	}
	return checkAffected(res, id)
}

// MarkRetry transitions id back to Pending with the given error recorded.
func (q *Queue) MarkRetry(id int64, errMsg string) error {
	ts := now()
	res, err := q.st.Write.Exec(
		`UPDATE change_queue SET status = ?, last_error = ?, leased_until = NULL, lease_owner = NULL, updated_at = ? WHERE id = ?`,
		string(model.StatusPending), nullableString(errMsg), ts, id,
	)
	if err != nil {
		return fmt.Errorf("mark retry %d: %w", id, err)
	}
	return checkAffected(res, id)
}

// MarkFailed transitions id to Failed and inserts a DeadLetter row
// referencing the current payload, both within one transaction. Marking an
// already-Applied row failed is an illegal transition.
func (q *Queue) MarkFailed(id int64, errMsg string) error {
	ts := now()
	tx, err := q.st.Write.Begin()
	if err != nil {
		return fmt.Errorf("mark failed %d: begin: %w", id, err)
	}
	defer tx.Rollback()

	var status, payloadJSON string
	if err := tx.QueryRow(`SELECT status, payload FROM change_queue WHERE id = ?`, id).Scan(&status, &payloadJSON); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("mark failed %d: %w", id, store.ErrNotFound)
		}
		return fmt.Errorf("mark failed %d: read payload: %w", id, err)
	}
	if model.QueueStatus(status) == model.StatusApplied {
		return fmt.Errorf("mark failed %d: %w", id, store.ErrIllegalTransition)
	}

	var req model.ChangeRequest
	if err := json.Unmarshal([]byte(payloadJSON), &req); err != nil {
		return fmt.Errorf("mark failed %d: %w: %v", id, store.ErrCorruptPayload, err)
	}

	if _, err := tx.Exec(
		`UPDATE change_queue SET status = ?, last_error = ?, leased_until = NULL, lease_owner = NULL, updated_at = ? WHERE id = ?`,
		string(model.StatusFailed), nullableString(errMsg), ts, id,
	); err != nil {
		return fmt.Errorf("mark failed %d: update: %w", id, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO dead_letters (queue_id, task_id, agent, payload, error, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, req.TaskID, req.Agent, payloadJSON, nullableString(errMsg), ts,
	); err != nil {
		return fmt.Errorf("mark failed %d: dead letter: %w", id, err)
	}

	return tx.Commit()
}

// List returns all entries with the given status, oldest first.
func (q *Queue) List(status model.QueueStatus) ([]*model.QueueEntry, error) {
	rows, err := q.st.Read.Query(
		`SELECT id, status, payload, attempts, last_error, leased_until, lease_owner, created_at, updated_at
		 FROM change_queue WHERE status = ? ORDER BY id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", status, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RecentRecords returns the most recently created entries, newest first.
func (q *Queue) RecentRecords(limit int) ([]*model.QueueEntry, error) {
	rows, err := q.st.Read.Query(
		`SELECT id, status, payload, attempts, last_error, leased_until, lease_owner, created_at, updated_at
		 FROM change_queue ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent records: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListDeadLetters returns all dead letters, most recently failed first.
func (q *Queue) ListDeadLetters() ([]*model.DeadLetter, error) {
	rows, err := q.st.Read.Query(
		`SELECT id, queue_id, task_id, agent, payload, error, failed_at
		 FROM dead_letters ORDER BY failed_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*model.DeadLetter
	for rows.Next() {
		dl := &model.DeadLetter{}
		var payloadJSON string
		var errStr sql.NullString
		if err := rows.Scan(&dl.ID, &dl.QueueID, &dl.TaskID, &dl.Agent, &payloadJSON, &errStr, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if errStr.Valid {
			e := errStr.String
			dl.Error = &e
		}
		if err := json.Unmarshal([]byte(payloadJSON), &dl.Payload); err != nil {
			return nil, fmt.Errorf("dead letter %d: %w: %v", dl.ID, store.ErrCorruptPayload, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// CleanupStale deletes terminal (Applied, Failed) entries whose updated_at is
// older than ttlSecs. Returns the number deleted and logs a cleanup event.
func (q *Queue) CleanupStale(ttlSecs int64) (int, error) {
	threshold := now() - ttlSecs
	res, err := q.st.Write.Exec(
		`DELETE FROM change_queue WHERE status IN (?, ?) AND updated_at < ?`,
		string(model.StatusApplied), string(model.StatusFailed), threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup stale: rows affected: %w", err)
	}
	deleted := int(n)

	details, _ := json.Marshal(map[string]any{"ttl_seconds": ttlSecs, "deleted": deleted})
	_ = q.LogEvent(0, "cleanup", "info", "cleanup swept stale entries", details)

	return deleted, nil
}

// VerifySchema delegates to the underlying store's schema check.
func (q *Queue) VerifySchema() error {
	return q.st.VerifySchema()
}

// WalCheckpoint delegates to the underlying store's WAL checkpoint.
func (q *Queue) WalCheckpoint() (store.WalCheckpointResult, error) {
	return q.st.WalCheckpoint()
}

func (q *Queue) statusOf(id int64) (model.QueueStatus, error) {
	var s string
	err := q.st.Write.QueryRow(`SELECT status FROM change_queue WHERE id = ?`, id).Scan(&s)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("entry %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read status of %d: %w", id, err)
	}
	return model.QueueStatus(s), nil
}

func checkAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("entry %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.QueueEntry, error) {
	e := &model.QueueEntry{}
	var payloadJSON string
	var lastError, leaseOwner sql.NullString
	var leasedUntil sql.NullInt64

	if err := row.Scan(&e.ID, &e.Status, &payloadJSON, &e.Attempts, &lastError, &leasedUntil, &leaseOwner, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}

	if lastError.Valid {
		v := lastError.String
		e.LastError = &v
	}
	if leaseOwner.Valid {
		v := leaseOwner.String
		e.LeaseOwner = &v
	}
	if leasedUntil.Valid {
		v := leasedUntil.Int64
		e.LeasedUntil = &v
	}

	if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
		return nil, fmt.Errorf("entry %d: %w: %v", e.ID, store.ErrCorruptPayload, err)
	}

	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*model.QueueEntry, error) {
	var out []*model.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
