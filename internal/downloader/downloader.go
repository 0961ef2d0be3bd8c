package downloader

import (
	"context"
	"fmt"
	"io"
	"os"

	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/fault"
)

// ArchiveSource is the part of the client the downloader needs.
type ArchiveSource interface {
	DownloadArchive(ctx context.Context, ref client.VersionRef, writer io.Writer) error
}

// Downloader handles archive downloads into scoped temporary files
type Downloader struct {
	source ArchiveSource
	tmpDir string
}

// NewDownloader creates a new downloader. An empty tmpDir uses the system
// temporary directory.
func NewDownloader(source ArchiveSource, tmpDir string) *Downloader {
	return &Downloader{
		source: source,
		tmpDir: tmpDir,
	}
}

// Fetch downloads the archive for ref into a temporary file and calls fn with
// its path. The file is removed when Fetch returns, whatever the outcome.
func (d *Downloader) Fetch(ctx context.Context, ref client.VersionRef, fn func(path string) error) error {
	file, err := os.CreateTemp(d.tmpDir, "worker-*.zip")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %w", fault.ErrExtract, err)
	}
	path := file.Name()
	defer os.Remove(path)

	if err := d.source.DownloadArchive(ctx, ref, file); err != nil {
		file.Close()
		return err
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %w", fault.ErrExtract, err)
	}

	return fn(path)
}
