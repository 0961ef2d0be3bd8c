package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/fault"
)

type fakeSource struct {
	data []byte
	err  error
}

func (f *fakeSource) DownloadArchive(ctx context.Context, ref client.VersionRef, w io.Writer) error {
	if f.err != nil {
		w.Write([]byte("partial"))
		return f.err
	}
	_, err := w.Write(f.data)
	return err
}

func TestFetch_RemovesTempFileAfterSuccess(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(&fakeSource{data: []byte("archive bytes")}, dir)

	var seen string
	err := d.Fetch(context.Background(), client.VersionRef{}, func(path string) error {
		seen = path
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "archive bytes", string(data))
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(seen)
	require.True(t, os.IsNotExist(err))
}

func TestFetch_RemovesTempFileAfterCallbackError(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(&fakeSource{data: []byte("x")}, dir)

	boom := errors.New("extract failed")
	err := d.Fetch(context.Background(), client.VersionRef{}, func(path string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetch_DownloadErrorSkipsCallback(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloader(&fakeSource{err: fault.ErrDownload}, dir)

	called := false
	err := d.Fetch(context.Background(), client.VersionRef{}, func(path string) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, fault.ErrDownload)
	require.False(t, called)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
