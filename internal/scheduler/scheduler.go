// Package scheduler runs the long-lived connection loops: the inbox
// loop that also executes IMAP jobs, two watch-only loops for the
// secondary folders, and the outbound loop that executes SMTP jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/job"
	"github.com/nhle/verimail/internal/model"
)

const (
	// DefaultFakeIdleInterval bounds a fake idle wait.
	DefaultFakeIdleInterval = 60 * time.Second

	// DefaultMaxJobBurst is the number of consecutive inbox jobs after
	// which a fetch is forced.
	DefaultMaxJobBurst = 20
)

// Raw config keys naming the watched folders.
const (
	KeyInboxFolder   = "configured_inbox_folder"
	KeyMvboxFolder   = "configured_mvbox_folder"
	KeySentboxFolder = "configured_sentbox_folder"
)

const defaultInboxFolder = "INBOX"

// InboundConn is an IMAP-like connection owned by a single loop.
type InboundConn interface {
	job.IMAPConn

	Connect(ctx context.Context) error
	Fetch(ctx context.Context, folder string) error
	CanIdle() bool
	Idle(ctx context.Context, folder string, wake <-chan interrupt.Info) (interrupt.Info, error)
	TriggerReconnect()
	Close() error
}

// OutboundConn is an SMTP-like connection owned by the outbound loop.
type OutboundConn interface {
	job.SMTPConn
	Close() error
}

// JobRunner is the job queue surface the loops consume.
type JobRunner interface {
	LoadNext(ctx context.Context, thread model.Thread, info interrupt.Info) (*model.Job, error)
	Perform(ctx context.Context, conn job.Connection, j *model.Job)
}

// ConfigReader resolves raw config keys such as the watched folders.
type ConfigReader interface {
	GetRawConfig(ctx context.Context, key string) (string, bool, error)
}

// Options configures a Scheduler.
type Options struct {
	Log         logrus.FieldLogger
	Config      ConfigReader
	Jobs        JobRunner
	NewInbound  func(name string) InboundConn
	NewOutbound func() OutboundConn

	FakeIdleInterval time.Duration
	MaxJobBurst      int
}

// StopToken proves that PreStop completed. Only PreStop can produce a
// usable token.
type StopToken struct {
	r *running
}

// Scheduler is either stopped (running == nil) or running four loops.
type Scheduler struct {
	opts Options
	log  logrus.FieldLogger

	mu      sync.RWMutex
	running *running
}

// running holds the connection states and task handles of a started
// scheduler.
type running struct {
	inbox   *connState
	mvbox   *connState
	sentbox *connState
	smtp    *connState
	tasks   []*task
}

func (r *running) states() []*connState {
	return []*connState{r.inbox, r.mvbox, r.sentbox, r.smtp}
}

// task tracks one spawned loop.
type task struct {
	name     string
	started  chan struct{}
	workDone chan struct{}
	done     chan struct{}
}

type loopFunc func(ctx context.Context, h connHandlers, started func())

// New returns a stopped scheduler.
func New(opts Options) *Scheduler {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.FakeIdleInterval <= 0 {
		opts.FakeIdleInterval = DefaultFakeIdleInterval
	}
	if opts.MaxJobBurst <= 0 {
		opts.MaxJobBurst = DefaultMaxJobBurst
	}
	return &Scheduler{
		opts: opts,
		log:  opts.Log,
	}
}

// IsRunning reports whether the loops are running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running != nil
}

// Start spawns the four connection loops and waits until each has
// connected or exited. Loops that exit without connecting are reported
// in the returned error; the scheduler is running either way and must
// be stopped with PreStop and Stop. Start panics if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running != nil {
		panic("scheduler: Start called while running")
	}

	s.log.WithField("function", "Start").Info("starting IO")

	// The loops outlive the caller's context; only stop ends them.
	base := context.WithoutCancel(ctx)

	r := &running{
		inbox:   newConnState("inbox"),
		mvbox:   newConnState("mvbox"),
		sentbox: newConnState("sentbox"),
		smtp:    newConnState("smtp"),
	}
	r.tasks = []*task{
		s.spawn(base, r.inbox, s.inboxLoop),
		s.spawn(base, r.mvbox, s.watchLoop(KeyMvboxFolder)),
		s.spawn(base, r.sentbox, s.watchLoop(KeySentboxFolder)),
		s.spawn(base, r.smtp, s.smtpLoop),
	}
	s.running = r

	var errs []error
	for _, t := range r.tasks {
		select {
		case <-t.started:
		case <-t.workDone:
			errs = append(errs, fmt.Errorf("%s loop exited before connecting", t.name))
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for %s loop: %w", t.name, ctx.Err()))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.log.WithError(err).Warn("IO started with failures")
		return err
	}
	s.log.WithField("function", "Start").Info("IO started")
	return nil
}

// InterruptInbox wakes the inbox loop. It is a no-op while stopped.
func (s *Scheduler) InterruptInbox(info interrupt.Info) {
	s.interrupt(func(r *running) *connState { return r.inbox }, info)
}

// InterruptMvbox wakes the mvbox loop. It is a no-op while stopped.
func (s *Scheduler) InterruptMvbox(info interrupt.Info) {
	s.interrupt(func(r *running) *connState { return r.mvbox }, info)
}

// InterruptSentbox wakes the sentbox loop. It is a no-op while stopped.
func (s *Scheduler) InterruptSentbox(info interrupt.Info) {
	s.interrupt(func(r *running) *connState { return r.sentbox }, info)
}

// InterruptSMTP wakes the outbound loop. It is a no-op while stopped.
func (s *Scheduler) InterruptSMTP(info interrupt.Info) {
	s.interrupt(func(r *running) *connState { return r.smtp }, info)
}

// MaybeNetwork asks every loop to retry the network now.
func (s *Scheduler) MaybeNetwork() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running == nil {
		return
	}
	info := interrupt.Info{ProbeNetwork: true}
	for _, c := range s.running.states() {
		c.interrupt(info)
	}
}

func (s *Scheduler) interrupt(pick func(*running) *connState, info interrupt.Info) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running == nil {
		return
	}
	pick(s.running).interrupt(info)
}

// PreStop halts all four connection loops and returns the token Stop
// requires. It returns once every loop acknowledged its shutdown.
// PreStop panics if the scheduler is stopped.
func (s *Scheduler) PreStop() StopToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running == nil {
		panic("scheduler: PreStop called while stopped")
	}

	var wg sync.WaitGroup
	for _, c := range s.running.states() {
		wg.Add(1)
		go func(c *connState) {
			defer wg.Done()
			c.stop()
		}(c)
	}
	wg.Wait()

	s.log.WithField("function", "PreStop").Info("IO halted")
	return StopToken{r: s.running}
}

// Stop waits for the loop tasks to finish and marks the scheduler
// stopped. It panics when the scheduler is stopped or the token was
// not returned by PreStop for the current run.
func (s *Scheduler) Stop(token StopToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running == nil {
		panic("scheduler: Stop called while stopped")
	}
	if token.r != s.running {
		panic("scheduler: Stop called without a PreStop token")
	}

	for _, t := range s.running.tasks {
		<-t.done
	}
	s.running = nil

	s.log.WithField("function", "Stop").Info("IO stopped")
}

// spawn starts loop on its own goroutine wrapped by runLoop.
func (s *Scheduler) spawn(ctx context.Context, state *connState, loop loopFunc) *task {
	t := &task{
		name:     state.name,
		started:  make(chan struct{}),
		workDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	h := state.handlers()

	var once sync.Once
	started := func() { once.Do(func() { close(t.started) }) }

	go func() {
		defer close(t.done)
		runLoop(ctx, h, t, func(ctx context.Context) { loop(ctx, h, started) })
	}()
	return t
}

// runLoop races the stop signal against work. When the stop signal
// wins, work's context is cancelled and awaited. A loop whose work
// returned early still waits for the stop signal so that the stopping
// side always receives its acknowledgment.
func runLoop(ctx context.Context, h connHandlers, t *task, work func(context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer close(t.workDone)
		work(ctx)
	}()

	select {
	case <-h.stop:
	case <-t.workDone:
		<-h.stop
	}

	cancel()
	<-t.workDone
	h.ack <- struct{}{}
}
