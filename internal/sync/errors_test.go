package sync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schaermu/vaultsync/internal/batch"
	"github.com/schaermu/vaultsync/internal/conflict"
	"github.com/schaermu/vaultsync/internal/git"
	"github.com/schaermu/vaultsync/internal/testutil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "network", err: testutil.GitError("fetch", git.KindNetwork, ""), want: ErrTransientNetwork},
		{name: "auth", err: testutil.GitError("push", git.KindAuthentication, ""), want: ErrAuthentication},
		{
			name: "identity inside partial upload",
			err:  &batch.PartialFailure{Err: fmt.Errorf("commit chunk 1: %w", testutil.GitError("commit", git.KindIdentity, ""))},
			want: ErrAuthentication,
		},
		{
			name: "network inside partial upload",
			err:  &batch.PartialFailure{Err: testutil.GitError("push", git.KindNetwork, "")},
			want: ErrPartialUpload,
		},
		{name: "diverged", err: fmt.Errorf("pull: %w", &conflict.DivergedError{Reason: conflict.ReasonUnrelatedHistories}), want: ErrDivergedHistory},
		{name: "rejected push", err: testutil.GitError("push", git.KindNonFastForward, ""), want: ErrDivergedHistory},
		{name: "other", err: errors.New("disk full"), want: ErrUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassName(t *testing.T) {
	assert.Equal(t, "none", ClassName(nil))
	assert.Equal(t, "transient-network", ClassName(testutil.GitError("fetch", git.KindNetwork, "")))
	assert.Equal(t, "unclassified", ClassName(errors.New("x")))
}
