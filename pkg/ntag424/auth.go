package ntag424

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// rndSource supplies RndA. Tests replace it to replay published vectors.
var rndSource io.Reader = rand.Reader

// AuthError represents an authentication failure at a specific step.
type AuthError struct {
	Step    string // "step1" or "step2"
	KeyNo   byte   // Key slot being authenticated
	SW      uint16 // Status word (if applicable)
	RespLen int    // Response length (if applicable)
	Cause   error  // Underlying error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("auth key %d %s failed: %v", e.KeyNo, e.Step, e.Cause)
	}
	return fmt.Sprintf("auth key %d %s failed (SW=%04X len=%d)", e.KeyNo, e.Step, e.SW, e.RespLen)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassifyAuthError extracts details from an AuthError.
func ClassifyAuthError(err error) (step string, sw uint16, respLen int, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Step, authErr.SW, authErr.RespLen, true
	}
	return "", 0, 0, false
}

func stepError(step string, keyNo byte, ins byte, sw uint16, respLen int) *AuthError {
	e := &AuthError{Step: step, KeyNo: keyNo, SW: sw, RespLen: respLen}
	if sw != 0 && sw != SWMoreData && sw != SWDESFireOK {
		e.Cause = &SWError{Cmd: ins, SW: sw}
	}
	return e
}

// Authenticate runs EV2First when prev is nil and EV2NonFirst otherwise.
func Authenticate(card Card, key []byte, keyNo byte, prev *Session) (*Session, error) {
	if prev == nil {
		return AuthenticateEV2First(card, key, keyNo)
	}
	return AuthenticateEV2NonFirst(prev, key, keyNo)
}

// AuthenticateEV2First performs EV2First authentication with the card.
// This is a two-phase challenge-response handshake that establishes
// session keys Kenc and Kmac, a fresh transaction identifier and a zero
// command counter.
func AuthenticateEV2First(card Card, key []byte, keyNo byte) (*Session, error) {
	if len(key) != 16 {
		return nil, preconditionf("key", "AES key must be 16 bytes, got %d", len(key))
	}
	if keyNo > 4 {
		return nil, preconditionf("keyNo", "key slot %d out of range 0..4", keyNo)
	}
	rndA, rndB, resp2, err := handshake(card, key, keyNo, false)
	if err != nil {
		return nil, err
	}
	// TI(4) || RndA'(16) || PDcap2(6) || PCDcap2(6)
	ti := resp2[:4]
	if subtle.ConstantTimeCompare(rotateRight1(resp2[4:20]), rndA) != 1 {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, RespLen: len(resp2), Cause: ErrChallengeMismatch}
	}
	keys, err := DeriveSessionKeys(key, rndA, rndB)
	if err != nil {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}

	slog.Debug("session keys derived",
		"key_no", keyNo,
		"rndA", strings.ToUpper(hex.EncodeToString(rndA)),
		"rndB", strings.ToUpper(hex.EncodeToString(rndB)),
		"ti", strings.ToUpper(hex.EncodeToString(ti)),
		"kenc", strings.ToUpper(hex.EncodeToString(keys.Enc[:])),
		"kmac", strings.ToUpper(hex.EncodeToString(keys.MAC[:])))

	return newSession(card, keys, ti, 0, keyNo), nil
}

// AuthenticateEV2NonFirst authenticates another key inside the transaction
// of prev. The new session keeps prev's TI and command counter; prev is
// consumed whether or not the handshake succeeds.
func AuthenticateEV2NonFirst(prev *Session, key []byte, keyNo byte) (*Session, error) {
	if len(key) != 16 {
		return nil, preconditionf("key", "AES key must be 16 bytes, got %d", len(key))
	}
	if keyNo > 4 {
		return nil, preconditionf("keyNo", "key slot %d out of range 0..4", keyNo)
	}
	prev.mu.Lock()
	if err := prev.usableLocked(); err != nil {
		prev.mu.Unlock()
		return nil, err
	}
	card, ti, ctr := prev.card, prev.ti, prev.cmdCtr
	prev.endLocked(sessionConsumed, nil)
	prev.mu.Unlock()

	rndA, rndB, resp2, err := handshake(card, key, keyNo, true)
	if err != nil {
		return nil, err
	}
	// NonFirst returns only RndA'.
	if subtle.ConstantTimeCompare(rotateRight1(resp2[:16]), rndA) != 1 {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, RespLen: len(resp2), Cause: ErrChallengeMismatch}
	}
	keys, err := DeriveSessionKeys(key, rndA, rndB)
	if err != nil {
		return nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	slog.Debug("non-first session keys derived",
		"key_no", keyNo,
		"ti", strings.ToUpper(hex.EncodeToString(ti[:])),
		"cmd_ctr", ctr)
	return newSession(card, keys, ti[:], ctr, keyNo), nil
}

// handshake runs both phases and returns RndA, RndB and the deciphered
// phase 2 response. Both directions use AES-CBC with a zero IV; the
// 32-byte messages are chained, never enciphered block by block.
func handshake(card Card, key []byte, keyNo byte, nonFirst bool) (rndA, rndB, resp []byte, err error) {
	iv0 := make([]byte, 16)

	// Phase 1: send keyNo, receive E(RndB)
	f1, err := encodeCommand(AuthPhase1{KeyNo: keyNo, NonFirst: nonFirst})
	if err != nil {
		return nil, nil, nil, err
	}
	resp1, sw, err := exchange(card, f1.ins, f1.header)
	if err != nil {
		return nil, nil, nil, &AuthError{Step: "step1", KeyNo: keyNo, Cause: err}
	}
	if sw != SWMoreData || len(resp1) != 16 {
		return nil, nil, nil, stepError("step1", keyNo, f1.ins, sw, len(resp1))
	}
	rndB, err = aesCBCDecrypt(key, iv0, resp1)
	if err != nil {
		return nil, nil, nil, &AuthError{Step: "step1", KeyNo: keyNo, Cause: err}
	}

	rndA = make([]byte, 16)
	if _, err := io.ReadFull(rndSource, rndA); err != nil {
		return nil, nil, nil, &AuthError{Step: "step1", KeyNo: keyNo, Cause: err}
	}

	// Phase 2: send E(RndA || RndB'), receive E(TI || RndA' || caps)
	rndAB := append(append([]byte{}, rndA...), rotateLeft1(rndB)...)
	enc, err := aesCBCEncrypt(key, iv0, rndAB)
	if err != nil {
		return nil, nil, nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	var p2 AuthPhase2
	copy(p2.Payload[:], enc)
	f2, err := encodeCommand(p2)
	if err != nil {
		return nil, nil, nil, err
	}
	resp2, sw, err := exchange(card, f2.ins, f2.header)
	if err != nil {
		return nil, nil, nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	wantLen := 32
	if nonFirst {
		wantLen = 16
	}
	if sw != SWDESFireOK || len(resp2) != wantLen {
		return nil, nil, nil, stepError("step2", keyNo, f2.ins, sw, len(resp2))
	}
	dec, err := aesCBCDecrypt(key, iv0, resp2)
	if err != nil {
		return nil, nil, nil, &AuthError{Step: "step2", KeyNo: keyNo, Cause: err}
	}
	return rndA, rndB, dec, nil
}
