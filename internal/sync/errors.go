package sync

import (
	"errors"

	"github.com/schaermu/vaultsync/internal/batch"
	"github.com/schaermu/vaultsync/internal/conflict"
	"github.com/schaermu/vaultsync/internal/git"
)

// Error classes of failed sync cycles.
var (
	// ErrTransientNetwork covers proxy, connection and timeout failures.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrDivergedHistory covers unrelated histories, rejected pushes and
	// content conflicts.
	ErrDivergedHistory = errors.New("diverged history")
	// ErrAuthentication covers missing identity and rejected credentials.
	// Neither is repaired automatically.
	ErrAuthentication = errors.New("authentication or identity failure")
	// ErrPartialUpload means a batch stopped part way and resumes from its
	// stored progress.
	ErrPartialUpload = errors.New("partial batch upload")
	// ErrUnclassified is any other failure.
	ErrUnclassified = errors.New("unclassified sync failure")
)

// Classify maps err onto one of the error classes above. It returns nil for
// a nil error.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	switch git.KindOf(err) {
	case git.KindAuthentication, git.KindIdentity:
		return ErrAuthentication
	}

	var diverged *conflict.DivergedError
	if errors.As(err, &diverged) {
		return ErrDivergedHistory
	}
	var partial *batch.PartialFailure
	if errors.As(err, &partial) {
		return ErrPartialUpload
	}

	switch git.KindOf(err) {
	case git.KindUnrelatedHistories, git.KindNonFastForward, git.KindConflict:
		return ErrDivergedHistory
	case git.KindNetwork:
		return ErrTransientNetwork
	}
	return ErrUnclassified
}

// ClassName returns a short label for the class of err, for logs and
// metrics.
func ClassName(err error) string {
	switch Classify(err) {
	case nil:
		return "none"
	case ErrTransientNetwork:
		return "transient-network"
	case ErrDivergedHistory:
		return "diverged-history"
	case ErrAuthentication:
		return "authentication"
	case ErrPartialUpload:
		return "partial-upload"
	default:
		return "unclassified"
	}
}
