package upload

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndServingPath(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "/rooms/uploads")
	require.NoError(t, err)

	url, _, err := s.Save(context.Background(), "track.mp3", bytes.NewReader([]byte("not really mp3 bytes")))
	require.NoError(t, err)
	assert.Contains(t, url, "/rooms/uploads/")
	assert.True(t, strings.HasSuffix(url, ".mp3"))

	path, ok := s.ServingPath(url)
	require.True(t, ok)
	_, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestDelete_MissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "/rooms/uploads")
	require.NoError(t, err)

	err = s.Delete(context.Background(), "/rooms/uploads/does-not-exist.mp3")
	assert.NoError(t, err)
}

func TestDelete_UnrelatedURLIsNoop(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, "/rooms/uploads")
	require.NoError(t, err)

	err = s.Delete(context.Background(), "https://example.com/not-ours.mp3")
	assert.NoError(t, err)
}
