package mailmsg

import "net/textproto"

// Well-known header names.
const (
	HeaderSecureJoin             = "Secure-Join"
	HeaderSecureJoinInvitenumber = "Secure-Join-Invitenumber"
	HeaderSecureJoinAuth         = "Secure-Join-Auth"
	HeaderSecureJoinFingerprint  = "Secure-Join-Fingerprint"
	HeaderSecureJoinGroup        = "Secure-Join-Group"

	HeaderChatVersion          = "Chat-Version"
	HeaderChatGroupID          = "Chat-Group-ID"
	HeaderChatGroupName        = "Chat-Group-Name"
	HeaderChatVerified         = "Chat-Verified"
	HeaderChatGroupMemberAdded = "Chat-Group-Member-Added"

	HeaderAutocrypt = "Autocrypt"
)

// Header is a single header field.
type Header struct {
	Key   string
	Value string
}

// isProtected reports whether a header only counts when it comes from
// the encrypted part of an encrypted message.
func isProtected(key string) bool {
	switch textproto.CanonicalMIMEHeaderKey(key) {
	case textproto.CanonicalMIMEHeaderKey(HeaderSecureJoin),
		textproto.CanonicalMIMEHeaderKey(HeaderSecureJoinInvitenumber),
		textproto.CanonicalMIMEHeaderKey(HeaderSecureJoinAuth),
		textproto.CanonicalMIMEHeaderKey(HeaderSecureJoinFingerprint),
		textproto.CanonicalMIMEHeaderKey(HeaderSecureJoinGroup),
		textproto.CanonicalMIMEHeaderKey(HeaderChatGroupID),
		textproto.CanonicalMIMEHeaderKey(HeaderChatGroupName),
		textproto.CanonicalMIMEHeaderKey(HeaderChatVerified),
		textproto.CanonicalMIMEHeaderKey(HeaderChatGroupMemberAdded):
		return true
	}
	return false
}
