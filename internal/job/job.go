// Package job implements the durable, retryable work queue that the
// connection loops drain.
package job

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
)

// MaxTries is the number of attempts after which a job is dropped.
const MaxTries = 17

// Status is the result of one job attempt.
type Status int

const (
	Finished Status = iota
	RetryNow
	RetryLater
)

// IMAPConn is the inbound connection surface jobs may use.
type IMAPConn interface {
	SetSeen(ctx context.Context, folder string, uid uint32) error
	Delete(ctx context.Context, folder string, uid uint32) error
}

// SMTPConn is the outbound connection surface jobs may use.
type SMTPConn interface {
	Send(ctx context.Context, from string, to []string, body []byte) error
}

// Connection is the connection a job runs on. Only the field matching
// the job's thread is set.
type Connection struct {
	IMAP IMAPConn
	SMTP SMTPConn
}

// Handler performs one attempt of a job.
type Handler func(ctx context.Context, conn Connection, j *model.Job) Status

// Backend is the subset of store.Store backing the queue.
type Backend interface {
	AddJob(ctx context.Context, j model.Job) (int64, error)
	GetNextJob(ctx context.Context, thread model.Thread, now time.Time, ignoreBackoff bool) (*model.Job, error)
	GetJobForMsg(ctx context.Context, thread model.Thread, msgID model.MsgID) (*model.Job, error)
	UpdateJob(ctx context.Context, j model.Job) error
	DeleteJob(ctx context.Context, id int64) error
}

// Queue dispatches persisted jobs to registered handlers.
type Queue struct {
	backend Backend
	log     logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[model.Action]Handler

	now    func() time.Time
	jitter func(n int64) int64
}

// NewQueue returns a queue over backend. A nil log uses the standard logger.
func NewQueue(backend Backend, log logrus.FieldLogger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		backend:  backend,
		log:      log,
		handlers: make(map[model.Action]Handler),
		now:      time.Now,
		jitter:   rand.Int64N,
	}
}

// Register installs the handler for action, replacing any previous one.
func (q *Queue) Register(action model.Action, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[action] = h
}

// Add enqueues a job that becomes runnable after delay.
func (q *Queue) Add(
	ctx context.Context,
	action model.Action,
	foreignID uint32,
	params model.Params,
	delay time.Duration,
) (int64, error) {
	now := q.now()
	j := model.Job{
		Action:    action,
		ForeignID: foreignID,
		Params:    params,
		AddedAt:   now,
		DesiredAt: now.Add(delay),
	}
	id, err := q.backend.AddJob(ctx, j)
	if err != nil {
		return 0, fmt.Errorf("adding %s job: %w", action, err)
	}
	q.log.WithFields(logrus.Fields{
		"function": "Add",
		"job_id":   id,
		"action":   action.String(),
		"foreign":  foreignID,
	}).Debug("job queued")
	return id, nil
}

// LoadNext returns the next runnable job for thread, or nil when there
// is none. A correlated message id in info selects the job for that
// message first; ProbeNetwork makes jobs waiting on backoff runnable.
func (q *Queue) LoadNext(ctx context.Context, thread model.Thread, info interrupt.Info) (*model.Job, error) {
	if info.MsgID != 0 {
		j, err := q.backend.GetJobForMsg(ctx, thread, info.MsgID)
		switch {
		case err == nil:
			return j, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("loading job for message %d: %w", info.MsgID, err)
		}
	}

	j, err := q.backend.GetNextJob(ctx, thread, q.now(), info.ProbeNetwork)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading next %s job: %w", thread, err)
	}
	return j, nil
}

// Perform runs j on conn. A RetryNow result is retried once in place
// before the job is rescheduled with exponential backoff.
func (q *Queue) Perform(ctx context.Context, conn Connection, j *model.Job) {
	log := q.log.WithFields(logrus.Fields{
		"function": "Perform",
		"job":      j.String(),
	})

	q.mu.RLock()
	h, ok := q.handlers[j.Action]
	q.mu.RUnlock()

	// Queue bookkeeping must survive the loop being stopped.
	bookCtx := context.WithoutCancel(ctx)
	if !ok {
		log.Error("no handler registered, dropping job")
		q.delete(bookCtx, log, j)
		return
	}

	status := RetryNow
	for attempt := 0; attempt < 2 && status == RetryNow; attempt++ {
		status = h(ctx, conn, j)
		if ctx.Err() != nil && status != Finished {
			// Stopped mid-attempt; keep the job untouched for the next run.
			log.Info("interrupted, keeping job")
			return
		}
	}

	if status == Finished {
		q.delete(bookCtx, log, j)
		return
	}

	j.Tries++
	if j.Tries >= MaxTries {
		log.Warn("giving up after too many tries")
		q.delete(bookCtx, log, j)
		return
	}

	j.DesiredAt = q.now().Add(q.backoff(j.Tries))
	if err := q.backend.UpdateJob(bookCtx, *j); err != nil {
		log.WithError(err).Error("rescheduling job")
		return
	}
	log.WithField("desired_at", j.DesiredAt).Info("job rescheduled")
}

// backoff returns a random delay in [1s, 2^(tries-1) minutes].
func (q *Queue) backoff(tries int) time.Duration {
	if tries < 1 {
		tries = 1
	}
	n := int64(60) << (tries - 1)
	sec := q.jitter(n + 1)
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

func (q *Queue) delete(ctx context.Context, log logrus.FieldLogger, j *model.Job) {
	if err := q.backend.DeleteJob(ctx, j.ID); err != nil {
		log.WithError(err).Error("deleting job")
	}
}
