package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "sub", "file.txt")
	assert.False(t, must.M1(FileExists(filePath)))

	require.NoError(t, WriteBytesAtomic(filePath, []byte("first")))
	assert.True(t, MustFileExists(filePath))
	assert.Equal(t, "first", string(must.M1(os.ReadFile(filePath))))

	// A failed write leaves the previous contents and no temporary files.
	err := WriteFileAtomic(filePath, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return errors.New("interrupted")
	})
	require.Error(t, err)
	assert.Equal(t, "first", string(must.M1(os.ReadFile(filePath))))
	entries := must.M1(os.ReadDir(filepath.Dir(filePath)))
	assert.Len(t, entries, 1)

	require.NoError(t, WriteBytesAtomic(filePath, []byte("second")))
	assert.Equal(t, "second", string(must.M1(os.ReadFile(filePath))))
}

func TestReplaceTildeInDir(t *testing.T) {
	assert.Equal(t, "/tmp/x", MustReplaceTildeInDir("/tmp/x"))
	assert.Equal(t, "", MustReplaceTildeInDir(""))
	home := MustReplaceTildeInDir("~")
	assert.Equal(t, filepath.Join(home, "data"), MustReplaceTildeInDir("~/data"))
}
