package git

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the classified cause of a failed git invocation.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindUnrelatedHistories
	KindNonFastForward
	KindAuthentication
	KindIdentity
	KindConflict
	KindNothingToCommit
	KindNoUpstream
	KindMissingRemoteRef
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNetwork:            "network",
	KindUnrelatedHistories: "unrelated-histories",
	KindNonFastForward:     "non-fast-forward",
	KindAuthentication:     "authentication",
	KindIdentity:           "identity",
	KindConflict:           "conflict",
	KindNothingToCommit:    "nothing-to-commit",
	KindNoUpstream:         "no-upstream",
	KindMissingRemoteRef:   "missing-remote-ref",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// CommandError describes a failed git invocation together with its raw
// diagnostic output.
type CommandError struct {
	Op       string
	Args     []string
	Output   string
	ExitCode int
	Kind     Kind
	Err      error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s failed (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("git %s failed (%s): %v: %s", e.Op, e.Kind, e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// KindOf returns the classified kind of err, or KindUnknown when err does
// not carry a CommandError.
func KindOf(err error) Kind {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries a CommandError of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
