package ntag424

import (
	"errors"
	"fmt"
)

// Status word constants for ISO 7816 and DESFire responses
const (
	// ISO 7816 status words
	SWSuccess              = 0x9000 // ISO success
	SWSecurityNotSatisfied = 0x6982 // Security status not satisfied (need auth)
	SWFileNotFound         = 0x6A82 // File not found
	SWWrongP1P2            = 0x6A86 // Incorrect P1/P2 parameters
	SWWrongLength          = 0x6700 // Wrong length
	SWWrongLe              = 0x6C00 // Wrong Le (mask: 0x6C00, correct Le in SW2)

	// DESFire status words
	SWDESFireOK     = 0x9100 // DESFire success (operation complete)
	SWMoreData      = 0x91AF // Additional frame expected
	SWIntegrityErr  = 0x911E // Integrity error (bad MAC, CRC or padding)
	SWLengthError   = 0x917E // Length error (wrong Le, bad fileNo, or format error)
	SWAuthError     = 0x91AE // Authentication error (wrong key for slot)
	SWAuthDelay     = 0x91AD // Authentication delay (too many failed attempts)
	SWPermDenied    = 0x919D // Permission denied (authenticated but insufficient rights)
	SWParameterErr  = 0x919E // Parameter error (invalid settings data)
	SWBoundaryError = 0x911C // Command not allowed / boundary error (read past file end)
	SWNoChanges     = 0x9140 // No changes (settings already match)
	SWCommandAbort  = 0x91CA // Command aborted (stale multi-frame state)
)

var (
	// ErrRateLimited matches a SWError carrying SW=91AD. The tag is delaying
	// authentication after repeated failures; callers must back off.
	ErrRateLimited = errors.New("authentication rate limited by tag")

	// ErrChallengeMismatch means the tag did not return our rotated RndA,
	// i.e. the key used for authentication is not the key in the slot.
	ErrChallengeMismatch = errors.New("rndA check failed")

	// ErrSessionPoisoned is returned for every use of a session after a
	// session-fatal error. The cause is available through errors.Unwrap.
	ErrSessionPoisoned = errors.New("session poisoned")

	// ErrSessionConsumed is returned for every use of a session that changed
	// its own authentication key, or that was replaced by a NonFirst
	// authentication.
	ErrSessionConsumed = errors.New("session consumed")

	// ErrCounterExhausted means the 16-bit command counter cannot advance.
	ErrCounterExhausted = errors.New("command counter exhausted")
)

// SWError represents a status word error from the card.
type SWError struct {
	Cmd byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

// Is reports SW=91AD as ErrRateLimited.
func (e *SWError) Is(target error) bool {
	return target == ErrRateLimited && e.SW == SWAuthDelay
}

// TransportError wraps a failure of the Card collaborator. It is always
// session-fatal.
type TransportError struct {
	Cmd   byte
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transmit command 0x%02X: %v", e.Cmd, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IntegrityError reports a response MAC mismatch or malformed padding.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "integrity error: " + e.Reason
}

// PreconditionError is raised before any I/O when a request can never be
// valid on the wire.
type PreconditionError struct {
	Field  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Field == "" {
		return "precondition violated: " + e.Reason
	}
	return fmt.Sprintf("precondition violated: %s: %s", e.Field, e.Reason)
}

func preconditionf(field, format string, args ...any) error {
	return &PreconditionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWDESFireOK:
		return "DESFire OK"
	case SWMoreData:
		return "more data expected"
	case SWIntegrityErr:
		return "integrity error"
	case SWLengthError:
		return "length error"
	case SWAuthError:
		return "authentication error"
	case SWAuthDelay:
		return "authentication delay"
	case SWPermDenied:
		return "permission denied"
	case SWParameterErr:
		return "parameter error"
	case SWBoundaryError:
		return "boundary error"
	case SWNoChanges:
		return "no changes"
	case SWCommandAbort:
		return "command aborted"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWFileNotFound:
		return "file not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWWrongLength:
		return "wrong length"
	default:
		if (sw & 0xFF00) == SWWrongLe {
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		}
		return "unknown error"
	}
}

func swOf(err error) (uint16, bool) {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW, true
	}
	return 0, false
}

// IsLengthError checks if an error is a length-related status word error.
func IsLengthError(err error) bool {
	sw, ok := swOf(err)
	return ok && (sw == SWLengthError || sw == SWWrongLength || (sw&0xFF00) == SWWrongLe)
}

// IsAuthError checks if an error is an authentication-related failure,
// either a status word or a failed handshake.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrChallengeMismatch) {
		return true
	}
	sw, ok := swOf(err)
	return ok && (sw == SWAuthError || sw == SWSecurityNotSatisfied)
}

// IsIntegrityError checks for a host-detected or tag-reported integrity failure.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return true
	}
	sw, ok := swOf(err)
	return ok && sw == SWIntegrityErr
}

// IsRateLimited checks whether the tag asked for an authentication delay.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsBoundaryError checks if an error is a boundary error (read past file end).
func IsBoundaryError(err error) bool {
	sw, ok := swOf(err)
	return ok && sw == SWBoundaryError
}

// IsPermissionDenied checks if an error is a permission denied error.
func IsPermissionDenied(err error) bool {
	sw, ok := swOf(err)
	return ok && sw == SWPermDenied
}

// IsPrecondition checks whether err was raised before any I/O.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// SwOK checks if a status word indicates success (ISO 9000 or DESFire 9100).
func SwOK(sw uint16) bool {
	return sw == SWSuccess || sw == SWDESFireOK
}
