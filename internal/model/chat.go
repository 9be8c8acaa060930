package model

// ChatType distinguishes 1:1 chats from groups.
type ChatType int

const (
	ChatTypeUndefined     ChatType = 0
	ChatTypeSingle        ChatType = 100
	ChatTypeGroup         ChatType = 120
	ChatTypeVerifiedGroup ChatType = 130
)

// Chat is a conversation with one contact or a group.
type Chat struct {
	ID      ChatID   `db:"id"`
	Type    ChatType `db:"type"`
	Name    string   `db:"name"`
	GrpID   string   `db:"grpid"`
	Blocked Blocked  `db:"blocked"`
}

// IsGroup reports whether the chat is a group of any kind.
func (c *Chat) IsGroup() bool {
	return c.Type == ChatTypeGroup || c.Type == ChatTypeVerifiedGroup
}

// IsVerified reports whether the chat is a verified group.
func (c *Chat) IsVerified() bool {
	return c.Type == ChatTypeVerifiedGroup
}
