package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the contest service matches exactly one
// of these with errors.Is.
var (
	// ErrNotFound is returned when a template, instance or participant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a room already runs an open contest.
	ErrConflict = errors.New("conflict")
	// ErrClosed is returned for state-changing calls against a closed contest.
	ErrClosed = errors.New("contest is closed")
	// ErrAlreadyResolved is returned for a correct flag that arrived after the winner.
	ErrAlreadyResolved = errors.New("challenge already resolved")
	// ErrIncorrectFlag is returned when the flag does not match.
	ErrIncorrectFlag = errors.New("incorrect flag")
	// ErrStoreTimeout is returned when a store call exceeded its deadline.
	ErrStoreTimeout = errors.New("store timeout")
	// ErrStoreUnavailable is returned when a store call failed for any other reason.
	ErrStoreUnavailable = errors.New("store unavailable")
)

var (
	ErrContestNotFound     = fmt.Errorf("contest %w", ErrNotFound)
	ErrChallengeNotFound   = fmt.Errorf("challenge %w", ErrNotFound)
	ErrInstanceNotFound    = fmt.Errorf("contest instance %w", ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	// ErrInvalidChallenge is returned for a challenge index outside the contest.
	ErrInvalidChallenge = fmt.Errorf("challenge index %w", ErrNotFound)
	// ErrContestEmpty is returned when starting a contest that has no challenges linked.
	ErrContestEmpty = fmt.Errorf("contest has no challenges: %w", ErrNotFound)

	// ErrInstanceConflict is returned when starting a contest in a room with an open one.
	ErrInstanceConflict = fmt.Errorf("room already has an active contest: %w", ErrConflict)
	// ErrStaleInstance is returned by stores when a conditional update lost a race.
	ErrStaleInstance = fmt.Errorf("contest instance changed concurrently: %w", ErrConflict)
	// ErrAlreadyLinked is returned when linking a challenge twice to the same contest.
	ErrAlreadyLinked = fmt.Errorf("challenge already linked: %w", ErrConflict)
)

// IsKind reports whether err already carries one of the error kinds above.
func IsKind(err error) bool {
	for _, kind := range []error{
		ErrNotFound, ErrConflict, ErrClosed, ErrAlreadyResolved,
		ErrIncorrectFlag, ErrStoreTimeout, ErrStoreUnavailable,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
