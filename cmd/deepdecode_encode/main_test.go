package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RichNachos/deepdecode/examples/dna"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	dir := t.TempDir()
	inputPath := filepath.Join(dir, "sequences.txt")
	require.NoError(t, os.WriteFile(inputPath, []byte("ACGT\nTTAA\n"), 0644))
	outputPath := filepath.Join(dir, "data", dna.EncodedSeqFileName)
	require.NoError(t, encode(inputPath, outputPath))
	assert.Equal(t, "1 0 0 0 0 1 0 0 0 0 1 0 0 0 0 1\n0 0 0 1 0 0 0 1 1 0 0 0 1 0 0 0\n",
		string(must.M1(os.ReadFile(outputPath))))

	require.Error(t, encode(filepath.Join(dir, "missing.txt"), outputPath))
}
