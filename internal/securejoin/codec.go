package securejoin

import (
	"github.com/nhle/verimail/internal/mailmsg"
	"github.com/nhle/verimail/internal/model"
)

// newHandshakeMsg builds the hidden message carrying one handshake step.
// param2 is the invite number for requests and the auth secret otherwise.
// Requests go out in plaintext with an Autocrypt header since the joiner
// may not have the inviter's key yet; every later step must be encrypted.
func newHandshakeMsg(step Step, param2, fingerprint, grpid string) *model.Message {
	msg := model.NewMessage("Secure-Join: " + step.String())
	msg.Hidden = true
	msg.Params.SetCmd(model.SystemMessageSecurejoinMessage)
	msg.Params.Set(model.ParamArg, step.String())
	if param2 != "" {
		msg.Params.Set(model.ParamArg2, param2)
	}
	if fingerprint != "" {
		msg.Params.Set(model.ParamArg3, fingerprint)
	}
	if grpid != "" {
		msg.Params.Set(model.ParamArg4, grpid)
	}
	if step.Kind == KindRequest {
		msg.Params.SetInt(model.ParamForcePlaintext, model.ForcePlaintextAddAutocryptHeader)
	} else {
		msg.Params.SetInt(model.ParamGuaranteeE2ee, 1)
	}
	return msg
}

// HandshakeHeaders returns the MIME headers describing the handshake step
// stored in msg, or nil when msg is not a handshake message. A member-added
// message that completes a group join carries the vg-member-added step.
func HandshakeHeaders(msg *model.Message) []mailmsg.Header {
	switch msg.Params.Cmd() {
	case model.SystemMessageSecurejoinMessage:
	case model.SystemMessageMemberAddedToGroup:
		if msg.Params.Int(model.ParamArg2) == 1 {
			return []mailmsg.Header{{
				Key:   mailmsg.HeaderSecureJoin,
				Value: Step{VerifyGroup, KindContactConfirm}.String(),
			}}
		}
		return nil
	default:
		return nil
	}

	name := msg.Params.Get(model.ParamArg)
	step, ok := ParseStep(name)
	if !ok {
		return nil
	}
	headers := []mailmsg.Header{{Key: mailmsg.HeaderSecureJoin, Value: name}}
	if v := msg.Params.Get(model.ParamArg2); v != "" {
		key := mailmsg.HeaderSecureJoinAuth
		if step.Kind == KindRequest {
			key = mailmsg.HeaderSecureJoinInvitenumber
		}
		headers = append(headers, mailmsg.Header{Key: key, Value: v})
	}
	if v := msg.Params.Get(model.ParamArg3); v != "" {
		headers = append(headers, mailmsg.Header{Key: mailmsg.HeaderSecureJoinFingerprint, Value: v})
	}
	if v := msg.Params.Get(model.ParamArg4); v != "" {
		headers = append(headers, mailmsg.Header{Key: mailmsg.HeaderSecureJoinGroup, Value: v})
	}
	return headers
}

// readStep decodes the Secure-Join header of msg. present is false when
// the header is missing; ok is false for unknown values.
func readStep(msg Message) (step Step, name string, present, ok bool) {
	name, present = msg.Get(mailmsg.HeaderSecureJoin)
	if !present {
		return Step{}, "", false, false
	}
	step, ok = ParseStep(name)
	return step, name, true, ok
}
