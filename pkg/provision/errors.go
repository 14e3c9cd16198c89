package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// Phase names the step of a run that failed. It is stored on the record.
type Phase string

const (
	PhaseIdentify       Phase = "identify"
	PhaseAuthenticate   Phase = "authenticate"
	PhaseChangeMaster   Phase = "change-key-0"
	PhaseReauthenticate Phase = "re-authenticate"
	PhaseConfigureSDM   Phase = "configure-sdm"
	PhaseWriteTemplate  Phase = "write-template"
	PhasePersist        Phase = "persist"
)

// PhaseChangeKey returns the phase for changing slot.
func PhaseChangeKey(slot byte) Phase {
	if slot == 0 {
		return PhaseChangeMaster
	}
	return Phase(fmt.Sprintf("change-key-%d", slot))
}

var (
	// ErrRateLimited is the tag's authentication delay (SW=91AD). Runs
	// never retry on it; the operator has to wait.
	ErrRateLimited = ntag424.ErrRateLimited

	// ErrAlreadyProvisioned is returned when the record is provisioned and
	// the coordinator does not allow re-provisioning.
	ErrAlreadyProvisioned = errors.New("tag is already provisioned")

	// ErrUnknownTag is returned by Reset for a UID without a record.
	ErrUnknownTag = errors.New("no key store record for tag")

	// ErrRunMismatch is returned when a record holds an unfinished run of
	// the other kind.
	ErrRunMismatch = errors.New("tag has an unfinished run of another kind")
)

// PhaseError is the error of a failed provisioning or reset run.
type PhaseError struct {
	UID   [7]byte
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("tag %s: %s: %v", keystore.FormatUID(e.UID), e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// FailedPhase returns the phase of a run error.
func FailedPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}

// changeDefinitelyRejected reports whether a failed ChangeKey certainly
// left the key alone: the tag answered with an error status, or the
// command never left the host.
func changeDefinitelyRejected(err error) bool {
	var swErr *ntag424.SWError
	if errors.As(err, &swErr) {
		return true
	}
	return ntag424.IsPrecondition(err) || errors.Is(err, ntag424.ErrSessionPoisoned) ||
		errors.Is(err, ntag424.ErrSessionConsumed) || errors.Is(err, ntag424.ErrCounterExhausted)
}

func errText(err error) string {
	return strings.TrimSpace(err.Error())
}
