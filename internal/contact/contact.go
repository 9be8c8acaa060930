// Package contact resolves addresses to contacts and answers trust
// queries about them.
package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/verimail/internal/events"
	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
)

// Backend is the subset of store.Store used for contacts.
type Backend interface {
	CreateContact(ctx context.Context, c model.Contact) (model.ContactID, error)
	UpdateContact(ctx context.Context, c model.Contact) error
	GetContact(ctx context.Context, id model.ContactID) (*model.Contact, error)
	GetContactByAddr(ctx context.Context, addr string) (*model.Contact, error)
	GetPeerstateByAddr(ctx context.Context, addr string) (*model.Peerstate, error)
}

// SelfChecker tells whether an address belongs to the local account.
type SelfChecker interface {
	IsSelfAddr(ctx context.Context, addr string) (bool, error)
}

// Service manages contacts.
type Service struct {
	backend Backend
	self    SelfChecker
	events  events.Sink
	log     logrus.FieldLogger
}

// NewService creates a contact service. A nil sink discards events and a
// nil logger uses the logrus standard logger.
func NewService(backend Backend, self SelfChecker, sink events.Sink, log logrus.FieldLogger) *Service {
	if sink == nil {
		sink = events.Discard{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{backend: backend, self: self, events: sink, log: log}
}

// Get loads a contact.
func (s *Service) Get(ctx context.Context, id model.ContactID) (*model.Contact, error) {
	return s.backend.GetContact(ctx, id)
}

// AddOrLookup returns the contact for addr, creating it when unknown. An
// existing contact keeps the highest origin it was ever seen with and
// picks up name if it had none. The self address maps to ContactIDSelf.
// The second return value reports whether a contact was created.
func (s *Service) AddOrLookup(ctx context.Context, name, addr string, origin model.Origin) (model.ContactID, bool, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || !strings.Contains(addr, "@") {
		return 0, false, fmt.Errorf("adding contact: invalid address %q", addr)
	}

	self, err := s.self.IsSelfAddr(ctx, addr)
	if err != nil {
		return 0, false, fmt.Errorf("adding contact %s: %w", addr, err)
	}
	if self {
		return model.ContactIDSelf, false, nil
	}

	existing, err := s.backend.GetContactByAddr(ctx, addr)
	switch {
	case err == nil:
		changed := false
		if origin > existing.Origin {
			existing.Origin = origin
			changed = true
		}
		if existing.Name == "" && name != "" {
			existing.Name = name
			changed = true
		}
		if changed {
			if err := s.backend.UpdateContact(ctx, *existing); err != nil {
				return 0, false, err
			}
			s.events.Emit(events.Event{Kind: events.ContactsChanged, ContactID: existing.ID})
		}
		return existing.ID, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return 0, false, err
	}

	id, err := s.backend.CreateContact(ctx, model.Contact{Name: name, Addr: addr, Origin: origin})
	if err != nil {
		return 0, false, err
	}
	s.log.WithFields(logrus.Fields{
		"function":   "AddOrLookup",
		"contact_id": id,
		"origin":     origin,
	}).Debug("Contact created")
	s.events.Emit(events.Event{Kind: events.ContactsChanged, ContactID: id})
	return id, true, nil
}

// ScaleupOrigin raises the origin of a contact. Lower origins are ignored.
func (s *Service) ScaleupOrigin(ctx context.Context, id model.ContactID, origin model.Origin) error {
	c, err := s.backend.GetContact(ctx, id)
	if err != nil {
		return err
	}
	if origin <= c.Origin {
		return nil
	}
	c.Origin = origin
	return s.backend.UpdateContact(ctx, *c)
}

// IsVerified returns the verification level of a contact. The self
// contact is always verified. Any other contact is verified only while
// the key it currently uses is the key that was verified.
func (s *Service) IsVerified(ctx context.Context, id model.ContactID) (model.VerifiedStatus, error) {
	if id == model.ContactIDSelf {
		return model.BidirectVerified, nil
	}
	c, err := s.backend.GetContact(ctx, id)
	if err != nil {
		return model.Unverified, err
	}
	ps, err := s.backend.GetPeerstateByAddr(ctx, c.Addr)
	if errors.Is(err, store.ErrNotFound) {
		return model.Unverified, nil
	}
	if err != nil {
		return model.Unverified, err
	}
	return verifiedStatus(ps), nil
}

func verifiedStatus(ps *model.Peerstate) model.VerifiedStatus {
	fp := ps.VerifiedKeyFingerprint
	if fp == "" {
		return model.Unverified
	}
	if fp == ps.PublicKeyFingerprint || fp == ps.GossipKeyFingerprint {
		return model.BidirectVerified
	}
	return model.Unverified
}
