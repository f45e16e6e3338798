package local

import (
	"context"
	"crypto/md5"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulksync/internal/fs"
)

func TestWalkSkipsRootAndClassifies(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "f.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("../target", filepath.Join(root, "ln")))

	a := NewAdapter(root)
	got := map[string]fs.Kind{}
	err := a.Walk(context.Background(), func(path string, kind fs.Kind) error {
		got[a.RelPath(path)] = kind
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]fs.Kind{
		"sub":       fs.KindDirectory,
		"sub/f.txt": fs.KindFile,
		"ln":        fs.KindSymlink,
	}, got)
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0644))
	}

	stop := errors.New("stop")
	var seen []string
	err := NewAdapter(root).Walk(context.Background(), func(path string, _ fs.Kind) error {
		seen = append(seen, filepath.Base(path))
		return stop
	})
	assert.ErrorIs(t, err, stop)
	sort.Strings(seen)
	assert.Equal(t, []string{"a"}, seen)
}

func TestWalkCancelled(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), nil, 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewAdapter(root).Walk(ctx, func(string, fs.Kind) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChecksumAndFileMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	sum, n, err := Checksum(path)
	require.NoError(t, err)
	want := md5.Sum([]byte("hello"))
	assert.Equal(t, want[:], sum)
	assert.Equal(t, int64(5), n)

	assert.True(t, FileMatches(path, 5, want[:]))
	assert.False(t, FileMatches(path, 4, want[:]))
	assert.False(t, FileMatches(path+"-missing", 5, want[:]))
}

func TestWriteStreamRestoresModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.txt")
	modTime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	err := WriteStream(path, modTime, func(w io.Writer) error {
		_, err := io.WriteString(w, "content")
		return err
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(modTime))
	_, err = os.Stat(path + partialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteStreamFailureKeepsOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	boom := errors.New("boom")
	err := WriteStream(path, time.Time{}, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	_, err = os.Stat(path + partialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestSymlinkReplaces(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "ln")
	require.NoError(t, os.WriteFile(link, []byte("file in the way"), 0644))

	require.NoError(t, Symlink("../target", link))
	assert.True(t, LinkMatches(link, "../target"))
	assert.False(t, LinkMatches(link, "../other"))

	require.NoError(t, Symlink("../other", link))
	assert.True(t, LinkMatches(link, "../other"))
}
