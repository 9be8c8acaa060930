package securejoin

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nhle/verimail/internal/model"
)

// Status is the outcome of a join session.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

// Expect is the next handshake message a joiner waits for.
type Expect int

const (
	ExpectNone Expect = iota
	ExpectAuthRequired
	ExpectContactConfirm
)

// session is the joiner side of one handshake. All fields below mu are
// guarded by it; transitions go through advance and finish.
type session struct {
	id        string
	seq       uint64
	invite    *Invite
	contactID model.ContactID
	chatID    model.ChatID
	done      chan struct{}

	mu      sync.Mutex
	status  Status
	expects Expect
}

func newSession(inv *Invite, chatID model.ChatID, expects Expect) *session {
	return &session{
		id:        uuid.NewString(),
		invite:    inv,
		contactID: inv.ContactID,
		chatID:    chatID,
		done:      make(chan struct{}),
		expects:   expects,
	}
}

// expecting reports whether the session is pending and waits for e.
func (s *session) expecting(e Expect) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusPending && s.expects == e
}

// advance moves expects from one value to the next. It fails when the
// session is settled or another message advanced it first.
func (s *session) advance(from, to Expect) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPending || s.expects != from {
		return false
	}
	s.expects = to
	return true
}

// finish settles the session. Only the first call has an effect.
func (s *session) finish(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPending {
		return false
	}
	s.status = status
	s.expects = ExpectNone
	close(s.done)
	return true
}

func (s *session) result() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// sessionKey identifies a join: the inviter and, for groups, the group.
type sessionKey struct {
	contactID model.ContactID
	grpid     string
}

func (s *session) key() sessionKey {
	return sessionKey{contactID: s.contactID, grpid: s.invite.GrpID}
}

// registry holds the pending join sessions, at most one per inviter and
// group. Joins of different groups of one inviter run side by side.
type registry struct {
	mu    sync.Mutex
	seq   uint64
	byKey map[sessionKey]*session
}

func newRegistry() *registry {
	return &registry{byKey: make(map[sessionKey]*session)}
}

// add registers sess and returns the session it replaced, if any.
func (r *registry) add(sess *session) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	sess.seq = r.seq
	k := sess.key()
	prev := r.byKey[k]
	r.byKey[k] = sess
	return prev
}

// get returns the session joining grpid of contactID; grpid is empty for
// a contact join.
func (r *registry) get(contactID model.ContactID, grpid string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[sessionKey{contactID: contactID, grpid: grpid}]
}

// awaiting returns the oldest session of the given variant with
// contactID that waits for e. Steps that do not name the group are
// matched this way.
func (r *registry) awaiting(contactID model.ContactID, v Variant, e Expect) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *session
	for k, sess := range r.byKey {
		if k.contactID != contactID || sess.invite.variant() != v || !sess.expecting(e) {
			continue
		}
		if found == nil || sess.seq < found.seq {
			found = sess
		}
	}
	return found
}

// remove unregisters sess if it is still the current one for its key.
func (r *registry) remove(sess *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := sess.key()
	if r.byKey[k] == sess {
		delete(r.byKey, k)
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}
