package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Sandbox is a temporary directory holding the files created by a test.
// The directory and its content are removed when the test ends.
type Sandbox struct {
	t        testing.TB
	BasePath string
}

// Creates a new sandbox in a unique temporary directory.
func NewSandbox(t testing.TB) *Sandbox {
	return &Sandbox{
		t:        t,
		BasePath: t.TempDir(),
	}
}

// Returns the path of the file in the sandbox. The parent directories
// are created.
func (sb *Sandbox) Join(name string) string {
	filePath := filepath.Join(sb.BasePath, name)
	require.NoError(sb.t, os.MkdirAll(filepath.Dir(filePath), 0o700))
	return filePath
}

// Creates the directory and its parents in the sandbox and returns the
// full path.
func (sb *Sandbox) JoinDir(name string) string {
	dirPath := filepath.Join(sb.BasePath, name)
	require.NoError(sb.t, os.MkdirAll(dirPath, 0o700))
	return dirPath
}

// Writes the content to the file readable only by the owner and
// returns the full path.
func (sb *Sandbox) Write(name string, content string) string {
	filePath := sb.Join(name)
	require.NoError(sb.t, os.WriteFile(filePath, []byte(content), 0o600))
	return filePath
}
