package store

import (
	"context"
	"fmt"

	"github.com/nhle/verimail/internal/model"
)

const chatColumns = "id, type, name, grpid, blocked"

// CreateChat inserts a new chat and returns its id.
func (s *SQLiteStore) CreateChat(ctx context.Context, c model.Chat) (model.ChatID, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO chats (type, name, grpid, blocked) VALUES (?, ?, ?, ?)",
		int(c.Type), c.Name, c.GrpID, int(c.Blocked),
	)
	if err != nil {
		return 0, fmt.Errorf("creating chat %q: %w", c.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading chat id: %w", err)
	}
	return model.ChatID(id), nil
}

// GetChat retrieves a single chat by id.
func (s *SQLiteStore) GetChat(ctx context.Context, id model.ChatID) (*model.Chat, error) {
	var c model.Chat
	err := s.db.GetContext(ctx, &c, "SELECT "+chatColumns+" FROM chats WHERE id = ?", id)
	if err != nil {
		return nil, notFound(err, "getting chat %d", id)
	}
	return &c, nil
}

// GetChatByGrpID retrieves a group chat by its group id.
func (s *SQLiteStore) GetChatByGrpID(ctx context.Context, grpid string) (*model.Chat, error) {
	if grpid == "" {
		return nil, ErrNotFound
	}
	var c model.Chat
	err := s.db.GetContext(ctx, &c,
		"SELECT "+chatColumns+" FROM chats WHERE grpid = ? ORDER BY id LIMIT 1", grpid,
	)
	if err != nil {
		return nil, notFound(err, "getting chat for group %s", grpid)
	}
	return &c, nil
}

// GetSingleChatByContact retrieves the 1:1 chat with the given contact.
func (s *SQLiteStore) GetSingleChatByContact(ctx context.Context, contactID model.ContactID) (*model.Chat, error) {
	var c model.Chat
	err := s.db.GetContext(ctx, &c, `
		SELECT c.id, c.type, c.name, c.grpid, c.blocked
		FROM chats c
		JOIN chats_contacts cc ON cc.chat_id = c.id
		WHERE c.type = ? AND cc.contact_id = ?
		ORDER BY c.id LIMIT 1`,
		int(model.ChatTypeSingle), contactID,
	)
	if err != nil {
		return nil, notFound(err, "getting chat for contact %d", contactID)
	}
	return &c, nil
}

// SetChatBlocked updates the blocked state of a chat.
func (s *SQLiteStore) SetChatBlocked(ctx context.Context, id model.ChatID, blocked model.Blocked) error {
	result, err := s.db.ExecContext(ctx, "UPDATE chats SET blocked = ? WHERE id = ?", int(blocked), id)
	if err != nil {
		return fmt.Errorf("updating chat %d: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chat %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddChatContact adds a member to a chat. It reports whether the
// contact was newly added.
func (s *SQLiteStore) AddChatContact(ctx context.Context, chatID model.ChatID, contactID model.ContactID) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO chats_contacts (chat_id, contact_id) VALUES (?, ?)",
		chatID, contactID,
	)
	if err != nil {
		return false, fmt.Errorf("adding contact %d to chat %d: %w", contactID, chatID, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetChatContacts returns the member ids of a chat in insertion order.
func (s *SQLiteStore) GetChatContacts(ctx context.Context, chatID model.ChatID) ([]model.ContactID, error) {
	var ids []model.ContactID
	err := s.db.SelectContext(ctx, &ids,
		"SELECT contact_id FROM chats_contacts WHERE chat_id = ? ORDER BY rowid", chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying contacts of chat %d: %w", chatID, err)
	}
	return ids, nil
}
