package frames

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, dir string, names ...string) {
	t.Helper()
	for i, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{byte(i)}, 0o644))
	}
}

func TestDirSource_NameOrderAndEndOfStream(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "b.jpg", "a.jpg", "c.jpeg", "skip.png")

	s := NewDirSource(dir, false)
	require.NoError(t, s.Open())

	ctx := context.Background()
	first, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, first, "a.jpg sorts first")

	_, err = s.Next(ctx)
	require.NoError(t, err)
	_, err = s.Next(ctx)
	require.NoError(t, err)

	_, err = s.Next(ctx)
	assert.True(t, errors.Is(err, ErrEndOfStream))
}

func TestDirSource_Loop(t *testing.T) {
	dir := t.TempDir()
	writeFrames(t, dir, "only.jpg")

	s := NewDirSource(dir, true)
	require.NoError(t, s.Open())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Next(ctx)
		require.NoError(t, err)
	}
}

func TestDirSource_EmptyDirFailsOpen(t *testing.T) {
	s := NewDirSource(t.TempDir(), false)
	assert.Error(t, s.Open())
}

func TestSnapshotSource(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xd9}
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	s := NewSnapshotSource(srv.URL)
	require.NoError(t, s.Open())

	data, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	status = http.StatusServiceUnavailable
	_, err = s.Next(context.Background())
	assert.Error(t, err)
}

func TestOpen_SchemeSelection(t *testing.T) {
	src, err := Open("http://camera.local/snap.jpg")
	require.NoError(t, err)
	assert.IsType(t, &SnapshotSource{}, src)

	src, err = Open(t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &DirSource{}, src)
}
