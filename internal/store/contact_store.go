package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/verimail/internal/model"
)

// CreateContact inserts a new contact and returns its id.
func (s *SQLiteStore) CreateContact(ctx context.Context, c model.Contact) (model.ContactID, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (name, addr, origin, blocked)
		VALUES (?, ?, ?, ?)`,
		c.Name, strings.TrimSpace(c.Addr), int(c.Origin), boolToInt(c.Blocked),
	)
	if err != nil {
		return 0, fmt.Errorf("creating contact %s: %w", c.Addr, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading contact id: %w", err)
	}
	return model.ContactID(id), nil
}

// UpdateContact overwrites name, origin and blocked state of an existing contact.
func (s *SQLiteStore) UpdateContact(ctx context.Context, c model.Contact) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET name = ?, origin = ?, blocked = ?
		WHERE id = ?`,
		c.Name, int(c.Origin), boolToInt(c.Blocked), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating contact %d: %w", c.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("contact %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

// GetContact retrieves a single contact by id.
func (s *SQLiteStore) GetContact(ctx context.Context, id model.ContactID) (*model.Contact, error) {
	var c model.Contact
	err := s.db.GetContext(ctx, &c,
		"SELECT id, name, addr, origin, blocked FROM contacts WHERE id = ?", id,
	)
	if err != nil {
		return nil, notFound(err, "getting contact %d", id)
	}
	return &c, nil
}

// GetContactByAddr retrieves a contact by address, ignoring case.
func (s *SQLiteStore) GetContactByAddr(ctx context.Context, addr string) (*model.Contact, error) {
	var c model.Contact
	err := s.db.GetContext(ctx, &c,
		"SELECT id, name, addr, origin, blocked FROM contacts WHERE addr = ? AND id > ?",
		strings.TrimSpace(addr), model.ContactIDLastSpecial,
	)
	if err != nil {
		return nil, notFound(err, "getting contact %s", addr)
	}
	return &c, nil
}
