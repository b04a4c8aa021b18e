package vault

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectories(t *testing.T) {
	fsys := afero.NewMemMapFs()
	for _, dir := range []string{
		"/vault/.git/objects",
		"/vault/.obsidian",
		"/vault/notes/daily",
		"/vault/attachments",
	} {
		require.NoError(t, fsys.MkdirAll(dir, 0o755))
	}
	require.NoError(t, afero.WriteFile(fsys, "/vault/notes/a.md", []byte("a"), 0o644))

	dirs, err := Directories(fsys, "/vault")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/vault",
		"/vault/.obsidian",
		"/vault/attachments",
		"/vault/notes",
		"/vault/notes/daily",
	}, dirs)

	dirs, err = Directories(fsys, "/vault", "/vault/notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"/vault", "/vault/.obsidian", "/vault/attachments"}, dirs)
}

func TestIsGitPath(t *testing.T) {
	assert.True(t, IsGitPath("/vault", "/vault/.git"))
	assert.True(t, IsGitPath("/vault", "/vault/.git/refs/heads/main"))
	assert.False(t, IsGitPath("/vault", "/vault/notes/.gitkeep"))
	assert.False(t, IsGitPath("/vault", "/vault"))
}

func TestIsWithin(t *testing.T) {
	assert.True(t, isWithin("/vault/state", "/vault/state"))
	assert.True(t, isWithin("/vault/state", "/vault/state/progress.json"))
	assert.False(t, isWithin("/vault/state", "/vault/statement.md"))
	assert.False(t, isWithin("/vault/state", "/vault"))
}
