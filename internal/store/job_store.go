package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/verimail/internal/model"
)

const jobColumns = "id, action, foreign_id, param, tries, added_timestamp, desired_timestamp"

// AddJob appends a job to the queue of the action's thread.
func (s *SQLiteStore) AddJob(ctx context.Context, j model.Job) (int64, error) {
	params, err := marshalParams(j.Params)
	if err != nil {
		return 0, err
	}
	if j.AddedAt.IsZero() {
		j.AddedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (added_timestamp, desired_timestamp, thread, action, foreign_id, param, tries)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		toUnix(j.AddedAt), toUnix(j.DesiredAt), int(j.Action.Thread()), int(j.Action),
		j.ForeignID, params, j.Tries,
	)
	if err != nil {
		return 0, fmt.Errorf("adding job %s: %w", j.Action, err)
	}
	return result.LastInsertId()
}

// GetNextJob returns the oldest runnable job of a thread. Jobs whose
// desired time lies after now are skipped unless ignoreBackoff is set.
func (s *SQLiteStore) GetNextJob(
	ctx context.Context,
	thread model.Thread,
	now time.Time,
	ignoreBackoff bool,
) (*model.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE thread = ?"
	args := []any{int(thread)}
	if !ignoreBackoff {
		query += " AND desired_timestamp <= ?"
		args = append(args, now.Unix())
	}
	query += " ORDER BY action DESC, added_timestamp, id LIMIT 1"

	row := s.db.QueryRowxContext(ctx, query, args...)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound(err, "getting next %s job", thread)
	}
	return j, nil
}

// GetJobForMsg returns the job of a thread whose foreign id is msgID.
func (s *SQLiteStore) GetJobForMsg(ctx context.Context, thread model.Thread, msgID model.MsgID) (*model.Job, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE thread = ? AND foreign_id = ? ORDER BY id LIMIT 1",
		int(thread), msgID,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound(err, "getting %s job for message %d", thread, msgID)
	}
	return j, nil
}

// UpdateJob persists the retry state of a job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, j model.Job) error {
	params, err := marshalParams(j.Params)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE jobs SET desired_timestamp = ?, param = ?, tries = ? WHERE id = ?",
		toUnix(j.DesiredAt), params, j.Tries, j.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %d: %w", j.ID, err)
	}
	return nil
}

// DeleteJob removes a job from the queue.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	return nil
}

// CountJobs returns the number of queued jobs of a thread.
func (s *SQLiteStore) CountJobs(ctx context.Context, thread model.Thread) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM jobs WHERE thread = ?", int(thread)); err != nil {
		return 0, fmt.Errorf("counting %s jobs: %w", thread, err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j              model.Job
		action         int
		params         string
		added, desired int64
	)
	if err := row.Scan(&j.ID, &action, &j.ForeignID, &params, &j.Tries, &added, &desired); err != nil {
		return nil, err
	}
	j.Action = model.Action(action)
	j.AddedAt = fromUnix(added)
	j.DesiredAt = fromUnix(desired)
	var err error
	if j.Params, err = unmarshalParams(params); err != nil {
		return nil, err
	}
	return &j, nil
}
