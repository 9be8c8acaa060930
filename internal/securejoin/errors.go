package securejoin

import (
	"errors"
	"fmt"

	"github.com/nhle/verimail/internal/model"
)

var (
	// ErrSpecialContactID is returned for handshake messages attributed
	// to a reserved contact.
	ErrSpecialContactID = errors.New("securejoin: message from special contact")

	// ErrNotSecureJoinMsg is returned when the Secure-Join header is missing.
	ErrNotSecureJoinMsg = errors.New("securejoin: not a secure-join message")

	// ErrNoSelfAddr is returned when the account address is unknown.
	ErrNoSelfAddr = errors.New("securejoin: no configured self address")

	// ErrJoinAborted is returned by Join when the handshake failed or was
	// cancelled.
	ErrJoinAborted = errors.New("securejoin: join aborted")

	// ErrNotInvitation is returned when a QR code carries no handshake
	// secrets.
	ErrNotInvitation = errors.New("securejoin: QR code is not an invitation")
)

// NoChatError is returned when the 1:1 chat with the peer cannot be
// created or loaded.
type NoChatError struct {
	ContactID model.ContactID
	Err       error
}

func (e *NoChatError) Error() string {
	return fmt.Sprintf("securejoin: no chat for contact %d: %v", e.ContactID, e.Err)
}

func (e *NoChatError) Unwrap() error { return e.Err }

// ChatNotFoundError is returned when a group named by a handshake
// message does not exist.
type ChatNotFoundError struct {
	GrpID string
}

func (e *ChatNotFoundError) Error() string {
	return fmt.Sprintf("securejoin: group %q not found", e.GrpID)
}

// SendError is returned when a handshake reply could not be queued.
type SendError struct {
	Step Step
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("securejoin: sending %s: %v", e.Step, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsSendError reports whether err is or wraps a *SendError.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}
