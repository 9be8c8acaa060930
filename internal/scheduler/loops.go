package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/interrupt"
	"github.com/nhle/verimail/internal/job"
	"github.com/nhle/verimail/internal/model"
)

// inboxLoop executes IMAP jobs and fetches the inbox. At most
// MaxJobBurst jobs run back to back before one fetch is forced.
func (s *Scheduler) inboxLoop(ctx context.Context, h connHandlers, started func()) {
	log := s.log.WithFields(logrus.Fields{"function": "inboxLoop", "loop": h.name})

	conn := s.opts.NewInbound(h.name)
	defer closeConn(log, conn)

	if err := conn.Connect(ctx); err != nil {
		log.WithError(err).Error("connecting")
		return
	}
	started()
	log.Info("inbox loop started")

	var info interrupt.Info
	burst := 0
	for ctx.Err() == nil {
		j, err := s.opts.Jobs.LoadNext(ctx, model.ThreadIMAP, info)
		if err != nil {
			log.WithError(err).Error("loading job")
			j = nil
		}

		switch {
		case j != nil && burst < s.opts.MaxJobBurst:
			s.opts.Jobs.Perform(ctx, job.Connection{IMAP: conn}, j)
			burst++
			info = interrupt.Info{}
		case j != nil:
			log.WithField("job", j.String()).Info("postponing job to run fetch")
			burst = 0
			if folder, ok := s.watchFolder(ctx, KeyInboxFolder); ok {
				s.fetch(ctx, log, conn, folder)
			}
		default:
			burst = 0
			info = s.fetchIdle(ctx, log, conn, h, KeyInboxFolder)
		}
	}
	log.Info("inbox loop stopped")
}

// watchLoop returns a loop that only fetches and idles on the folder
// named by key.
func (s *Scheduler) watchLoop(key string) loopFunc {
	return func(ctx context.Context, h connHandlers, started func()) {
		log := s.log.WithFields(logrus.Fields{"function": "watchLoop", "loop": h.name})

		conn := s.opts.NewInbound(h.name)
		defer closeConn(log, conn)

		if err := conn.Connect(ctx); err != nil {
			log.WithError(err).Error("connecting")
			return
		}
		started()
		log.Info("watch loop started")

		for ctx.Err() == nil {
			s.fetchIdle(ctx, log, conn, h, key)
		}
		log.Info("watch loop stopped")
	}
}

// smtpLoop executes SMTP jobs. Without jobs it blocks on its interrupt
// channel, which doubles as its idle.
func (s *Scheduler) smtpLoop(ctx context.Context, h connHandlers, started func()) {
	log := s.log.WithFields(logrus.Fields{"function": "smtpLoop", "loop": h.name})

	conn := s.opts.NewOutbound()
	defer closeConn(log, conn)

	started()
	log.Info("smtp loop started")

	var info interrupt.Info
	for ctx.Err() == nil {
		j, err := s.opts.Jobs.LoadNext(ctx, model.ThreadSMTP, info)
		if err != nil {
			log.WithError(err).Error("loading job")
			j = nil
		}
		if j != nil {
			s.opts.Jobs.Perform(ctx, job.Connection{SMTP: conn}, j)
			info = interrupt.Info{}
			continue
		}

		select {
		case <-ctx.Done():
		case info = <-h.idle.C():
			log.WithField("probe_network", info.ProbeNetwork).Debug("smtp loop woken")
		}
	}
	log.Info("smtp loop stopped")
}

// fetchIdle fetches the folder named by key and then waits for new
// mail, natively when the server supports IDLE and by a bounded fake
// idle otherwise. It returns why the wait ended.
func (s *Scheduler) fetchIdle(
	ctx context.Context,
	log logrus.FieldLogger,
	conn InboundConn,
	h connHandlers,
	key string,
) interrupt.Info {
	folder, ok := s.watchFolder(ctx, key)
	if !ok {
		log.WithField("key", key).Warn("can not watch folder, failed to retrieve config")
		return s.fakeIdle(ctx, log, h.idle, "")
	}

	s.fetch(ctx, log, conn, folder)

	if conn.CanIdle() {
		info, err := conn.Idle(ctx, folder, h.idle.C())
		if err != nil {
			conn.TriggerReconnect()
			if ctx.Err() == nil {
				log.WithError(err).WithField("folder", folder).Warn("idle failed")
			}
			return interrupt.Info{}
		}
		return info
	}
	return s.fakeIdle(ctx, log, h.idle, folder)
}

func (s *Scheduler) fetch(ctx context.Context, log logrus.FieldLogger, conn InboundConn, folder string) {
	if err := conn.Fetch(ctx, folder); err != nil {
		conn.TriggerReconnect()
		if ctx.Err() == nil {
			log.WithError(err).WithField("folder", folder).Warn("fetch failed")
		}
	}
}

// fakeIdle waits for an interrupt, the fake idle interval or the loop's
// cancellation, whichever comes first.
func (s *Scheduler) fakeIdle(
	ctx context.Context,
	log logrus.FieldLogger,
	wake *interrupt.Channel,
	folder string,
) interrupt.Info {
	log.WithField("folder", folder).Debug("fake idle")

	timer := time.NewTimer(s.opts.FakeIdleInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return interrupt.Info{}
	case info := <-wake.C():
		return info
	case <-timer.C:
		return interrupt.Info{}
	}
}

// watchFolder resolves the folder configured under key. The inbox
// falls back to INBOX.
func (s *Scheduler) watchFolder(ctx context.Context, key string) (string, bool) {
	folder, ok, err := s.opts.Config.GetRawConfig(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("reading folder config")
		ok = false
	}
	if ok && folder != "" {
		return folder, true
	}
	if key == KeyInboxFolder {
		return defaultInboxFolder, true
	}
	return "", false
}

func closeConn(log logrus.FieldLogger, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		log.WithError(err).Debug("closing connection")
	}
}
