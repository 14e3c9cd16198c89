package ntag424

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type sessionState int

const (
	sessionActive sessionState = iota
	sessionConsumed
	sessionPoisoned
)

// Session is an authenticated EV2 secure messaging channel bound to one
// Card. Each round trip holds the session lock, so a Session may be handed
// between goroutines but never interleaves two commands. After any
// session-fatal error every call returns ErrSessionPoisoned.
type Session struct {
	mu     sync.Mutex
	card   Card
	keys   SessionKeys
	ti     [4]byte
	cmdCtr uint16
	keyNo  byte
	state  sessionState
	cause  error
}

func newSession(card Card, keys SessionKeys, ti []byte, cmdCtr uint16, keyNo byte) *Session {
	s := &Session{card: card, keys: keys, cmdCtr: cmdCtr, keyNo: keyNo}
	copy(s.ti[:], ti)
	return s
}

// KeyNo is the key slot this session authenticated with.
func (s *Session) KeyNo() byte { return s.keyNo }

// TI returns the transaction identifier.
func (s *Session) TI() [4]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ti
}

// CmdCtr returns the current command counter.
func (s *Session) CmdCtr() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmdCtr
}

// Err reports why the session is unusable, or nil while it is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

// Close zeroes the session keys. The session cannot be used afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sessionActive {
		s.endLocked(sessionConsumed, nil)
	}
}

func (s *Session) usableLocked() error {
	switch s.state {
	case sessionConsumed:
		return ErrSessionConsumed
	case sessionPoisoned:
		return fmt.Errorf("%w: %w", ErrSessionPoisoned, s.cause)
	}
	return nil
}

func (s *Session) endLocked(state sessionState, cause error) {
	s.state = state
	s.cause = cause
	s.keys.zero()
}

// poisonLocked ends the session after a fatal error and returns err
// unchanged for the caller.
func (s *Session) poisonLocked(err error) error {
	slog.Debug("session poisoned", "ti", strings.ToUpper(hex.EncodeToString(s.ti[:])), "cmd_ctr", s.cmdCtr, "error", err)
	s.endLocked(sessionPoisoned, err)
	return err
}

// Exec runs one command through secure messaging in the command's
// communication mode and returns the verified, deciphered response data.
func (s *Session) Exec(cmd Command) ([]byte, error) {
	f, err := encodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	return s.roundTripLocked(f, true)
}

// commandIV is E(Kenc, label || TI || ctr LE || 0^8).
func (s *Session) ivLocked(label0, label1 byte, ctr uint16) ([]byte, error) {
	in := make([]byte, 16)
	in[0], in[1] = label0, label1
	copy(in[2:6], s.ti[:])
	in[6] = byte(ctr)
	in[7] = byte(ctr >> 8)
	return aesECBEncrypt(s.keys.Enc[:], in)
}

// macLocked computes the truncated MAC over code || ctr LE || TI || parts.
func (s *Session) macLocked(code byte, ctr uint16, parts ...[]byte) ([]byte, error) {
	n := 7
	for _, p := range parts {
		n += len(p)
	}
	in := make([]byte, 0, n)
	in = append(in, code, byte(ctr), byte(ctr>>8))
	in = append(in, s.ti[:]...)
	for _, p := range parts {
		in = append(in, p...)
	}
	return macTruncated(s.keys.MAC[:], in)
}

// sealLocked builds the APDU body for f under counter value s.cmdCtr.
func (s *Session) sealLocked(f frame) ([]byte, error) {
	switch f.comm {
	case CommPlain:
		return append([]byte(nil), f.header...), nil
	case CommMAC:
		mac, err := s.macLocked(f.ins, s.cmdCtr, f.header, f.data)
		if err != nil {
			return nil, err
		}
		body := make([]byte, 0, len(f.header)+len(f.data)+8)
		body = append(body, f.header...)
		body = append(body, f.data...)
		return append(body, mac...), nil
	case CommFull:
		var enc []byte
		if len(f.data) > 0 {
			iv, err := s.ivLocked(0xA5, 0x5A, s.cmdCtr)
			if err != nil {
				return nil, err
			}
			enc, err = aesCBCEncrypt(s.keys.Enc[:], iv, padISO9797M2(f.data))
			if err != nil {
				return nil, err
			}
		}
		mac, err := s.macLocked(f.ins, s.cmdCtr, f.header, enc)
		if err != nil {
			return nil, err
		}
		body := make([]byte, 0, len(f.header)+len(enc)+8)
		body = append(body, f.header...)
		body = append(body, enc...)
		return append(body, mac...), nil
	default:
		return nil, preconditionf("comm", "unknown communication mode %d", f.comm)
	}
}

// openLocked verifies and deciphers a response received under counter
// value ctr (the command's counter plus one).
func (s *Session) openLocked(f frame, sw uint16, resp []byte, ctr uint16) ([]byte, error) {
	if f.comm == CommPlain {
		return resp, nil
	}
	if len(resp) < 8 {
		return nil, &IntegrityError{Reason: fmt.Sprintf("response too short for MAC (len=%d)", len(resp))}
	}
	body, mact := resp[:len(resp)-8], resp[len(resp)-8:]
	want, err := s.macLocked(byte(sw), ctr, body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(want, mact) != 1 {
		return nil, &IntegrityError{Reason: "response MAC mismatch"}
	}
	if f.comm == CommMAC || len(body) == 0 {
		return body, nil
	}
	if len(body)%16 != 0 {
		return nil, &IntegrityError{Reason: "enciphered response not block aligned"}
	}
	iv, err := s.ivLocked(0x5A, 0xA5, ctr)
	if err != nil {
		return nil, err
	}
	dec, err := aesCBCDecrypt(s.keys.Enc[:], iv, body)
	if err != nil {
		return nil, err
	}
	return unpadISO9797M2(dec)
}

// roundTripLocked sends f under the current counter and verifies the
// response under counter+1. withRespMAC=false accepts a bare status word,
// which is what the tag returns after changing the authenticating key.
// Every error other than a precondition poisons the session.
func (s *Session) roundTripLocked(f frame, withRespMAC bool) ([]byte, error) {
	if s.cmdCtr == 0xFFFF {
		return nil, s.poisonLocked(ErrCounterExhausted)
	}
	body, err := s.sealLocked(f)
	if err != nil {
		return nil, s.poisonLocked(err)
	}
	if len(body) > 0xFF {
		return nil, preconditionf("body", "command 0x%02X data too long (%d bytes)", f.ins, len(body))
	}
	slog.Debug("secure messaging",
		"cmd", fmt.Sprintf("0x%02X", f.ins),
		"comm", f.comm.String(),
		"cmd_ctr", s.cmdCtr,
		"body", strings.ToUpper(hex.EncodeToString(body)))

	resp, sw, err := exchange(s.card, f.ins, body)
	if err != nil {
		return nil, s.poisonLocked(err)
	}
	if sw != SWDESFireOK {
		return nil, s.poisonLocked(&SWError{Cmd: f.ins, SW: sw})
	}
	next := s.cmdCtr + 1
	if !withRespMAC {
		if len(resp) != 0 {
			return nil, s.poisonLocked(&IntegrityError{Reason: "unexpected response data"})
		}
		s.cmdCtr = next
		return nil, nil
	}
	out, err := s.openLocked(f, sw, resp, next)
	if err != nil {
		return nil, s.poisonLocked(err)
	}
	s.cmdCtr = next
	return out, nil
}
