package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/verimail/internal/model"
)

const msgColumns = `id, rfc724_mid, chat_id, from_id, to_id, txt, hidden, state,
	param, server_folder, server_uid, timestamp`

// CreateMsg inserts a message and returns its id. A zero timestamp is
// replaced by the current time.
func (s *SQLiteStore) CreateMsg(ctx context.Context, m *model.Message) (model.MsgID, error) {
	params, err := marshalParams(m.Params)
	if err != nil {
		return 0, err
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO msgs (
			rfc724_mid, chat_id, from_id, to_id, txt, hidden, state,
			param, server_folder, server_uid, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RFC724MID, m.ChatID, m.FromID, m.ToID, m.Text, boolToInt(m.Hidden), int(m.State),
		params, m.ServerFolder, m.ServerUID, toUnix(m.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("creating message in chat %d: %w", m.ChatID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading message id: %w", err)
	}
	m.ID = model.MsgID(id)
	return m.ID, nil
}

// GetMsg retrieves a single message by id.
func (s *SQLiteStore) GetMsg(ctx context.Context, id model.MsgID) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT "+msgColumns+" FROM msgs WHERE id = ?", id)
	m, err := scanMsg(row)
	if err != nil {
		return nil, notFound(err, "getting message %d", id)
	}
	return &m, nil
}

// GetChatMsgs returns all messages of a chat, oldest first.
func (s *SQLiteStore) GetChatMsgs(ctx context.Context, chatID model.ChatID) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+msgColumns+" FROM msgs WHERE chat_id = ? ORDER BY timestamp, id", chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying messages of chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMsg(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateMsgState sets the delivery state of a message.
func (s *SQLiteStore) UpdateMsgState(ctx context.Context, id model.MsgID, state model.MessageState) error {
	_, err := s.db.ExecContext(ctx, "UPDATE msgs SET state = ? WHERE id = ?", int(state), id)
	if err != nil {
		return fmt.Errorf("updating state of message %d: %w", id, err)
	}
	return nil
}

// UpdateMsgRFC724MID records the Message-ID assigned at render time.
func (s *SQLiteStore) UpdateMsgRFC724MID(ctx context.Context, id model.MsgID, mid string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE msgs SET rfc724_mid = ? WHERE id = ?", mid, id)
	if err != nil {
		return fmt.Errorf("updating message-id of message %d: %w", id, err)
	}
	return nil
}

// MsgExistsByRFC724MID reports whether a message with the given
// Message-ID was already stored.
func (s *SQLiteStore) MsgExistsByRFC724MID(ctx context.Context, mid string) (bool, error) {
	if mid == "" {
		return false, nil
	}
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM msgs WHERE rfc724_mid = ?", mid); err != nil {
		return false, fmt.Errorf("looking up message-id %s: %w", mid, err)
	}
	return count > 0, nil
}

// rowScanner is satisfied by both *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

var (
	_ rowScanner = (*sqlx.Row)(nil)
	_ rowScanner = (*sqlx.Rows)(nil)
)

func scanMsg(row rowScanner) (model.Message, error) {
	var (
		m         model.Message
		hidden    int
		state     int
		params    string
		timestamp int64
	)
	err := row.Scan(
		&m.ID, &m.RFC724MID, &m.ChatID, &m.FromID, &m.ToID, &m.Text, &hidden, &state,
		&params, &m.ServerFolder, &m.ServerUID, &timestamp,
	)
	if err != nil {
		return model.Message{}, err
	}
	m.Hidden = hidden != 0
	m.State = model.MessageState(state)
	m.Timestamp = fromUnix(timestamp)
	m.Params, err = unmarshalParams(params)
	if err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func marshalParams(p model.Params) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling params: %w", err)
	}
	return string(b), nil
}

func unmarshalParams(s string) (model.Params, error) {
	p := make(model.Params)
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("unmarshaling params: %w", err)
	}
	return p, nil
}
