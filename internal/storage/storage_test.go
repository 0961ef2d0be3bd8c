package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveArchive(t *testing.T) {
	s := newStorage(t)

	archive, err := s.SaveArchive("v1.2", strings.NewReader("zip bytes"))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("zip bytes"))
	assert.Equal(t, "v1.2", archive.Ref)
	assert.Equal(t, int64(9), archive.Size)
	assert.Equal(t, hex.EncodeToString(sum[:]), archive.SHA256)

	path, err := s.ArchivePath("v1.2")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zip bytes", string(data))

	tmp, err := os.ReadDir(filepath.Join(s.basePath, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp, "temporary upload files are cleaned up")
}

func TestSaveArchive_Replaces(t *testing.T) {
	s := newStorage(t)
	_, err := s.SaveArchive("main", strings.NewReader("old"))
	require.NoError(t, err)
	_, err = s.SaveArchive("main", strings.NewReader("new"))
	require.NoError(t, err)

	path, err := s.ArchivePath("main")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestSaveArchive_InvalidRef(t *testing.T) {
	s := newStorage(t)
	for _, ref := range []string{"", "../escape", "a/b", ".hidden", "v1..2"} {
		_, err := s.SaveArchive(ref, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
	}
}

func TestArchivePath_NotFound(t *testing.T) {
	s := newStorage(t)
	_, err := s.ArchivePath("v9")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ArchivePath("../current_ref")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCurrentRef(t *testing.T) {
	s := newStorage(t)

	ref, err := s.CurrentRef()
	require.NoError(t, err)
	assert.Empty(t, ref)

	assert.ErrorIs(t, s.SetCurrentRef("v1"), ErrNotFound, "only stored archives can be published")

	_, err = s.SaveArchive("v1", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.SetCurrentRef("v1"))

	ref, err = s.CurrentRef()
	require.NoError(t, err)
	assert.Equal(t, "v1", ref)

	reopened, err := NewStorage(s.basePath)
	require.NoError(t, err)
	ref, err = reopened.CurrentRef()
	require.NoError(t, err)
	assert.Equal(t, "v1", ref, "current ref survives a restart")
}

func TestListAndDelete(t *testing.T) {
	s := newStorage(t)
	for _, ref := range []string{"v1", "v2"} {
		_, err := s.SaveArchive(ref, strings.NewReader(ref))
		require.NoError(t, err)
	}
	require.NoError(t, s.SetCurrentRef("v2"))

	archives, err := s.ListArchives()
	require.NoError(t, err)
	require.Len(t, archives, 2)

	assert.Error(t, s.DeleteArchive("v2"), "current archive is protected")
	require.NoError(t, s.DeleteArchive("v1"))
	assert.ErrorIs(t, s.DeleteArchive("v1"), ErrNotFound)

	archives, err = s.ListArchives()
	require.NoError(t, err)
	require.Len(t, archives, 1)
	assert.Equal(t, "v2", archives[0].Ref)
}
