package model

// ChatID identifies a chat. IDs up to ChatIDLastSpecial are reserved.
type ChatID uint32

// ContactID identifies a contact. IDs up to ContactIDLastSpecial are reserved.
type ContactID uint32

// MsgID identifies a stored message. Zero means "no message".
type MsgID uint32

const (
	ChatIDUnset       ChatID = 0
	ChatIDTrash       ChatID = 3
	ChatIDLastSpecial ChatID = 9
)

const (
	ContactIDUnset       ContactID = 0
	ContactIDSelf        ContactID = 1
	ContactIDInfo        ContactID = 2
	ContactIDDevice      ContactID = 5
	ContactIDLastSpecial ContactID = 9
)

// IsUnset reports whether the chat id is the zero value.
func (id ChatID) IsUnset() bool { return id == ChatIDUnset }

// IsSpecial reports whether the chat id is one of the reserved ids.
func (id ChatID) IsSpecial() bool { return id <= ChatIDLastSpecial }

// IsSpecial reports whether the contact id is one of the reserved ids.
func (id ContactID) IsSpecial() bool { return id <= ContactIDLastSpecial }
