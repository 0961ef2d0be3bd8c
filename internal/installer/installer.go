// Package installer replaces the worker files in the work directory with the
// contents of a downloaded source archive.
package installer

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/fault"
)

// DefaultSubdir is the directory inside the archive root holding the worker.
const DefaultSubdir = "Client"

// Fetcher hands a downloaded archive to fn as a file path.
type Fetcher interface {
	Fetch(ctx context.Context, ref client.VersionRef, fn func(path string) error) error
}

// Options configures an Installer.
type Options struct {
	// WorkDir receives the worker files.
	WorkDir string

	// Subdir is the worker directory below the archive root.
	Subdir string

	// Exclude lists file names that are never installed. The supervisor's
	// own entry file belongs here.
	Exclude []string

	// Flatten installs every file by name only, dropping the directory
	// structure below Subdir. Duplicate names fail the install.
	Flatten bool

	Logger *slog.Logger
}

// Installer installs worker archives.
type Installer struct {
	fetcher Fetcher
	workDir string
	subdir  string
	exclude map[string]bool
	flatten bool
	logger  *slog.Logger

	rename func(oldpath, newpath string) error
}

// New creates an installer.
func New(fetcher Fetcher, opts Options) *Installer {
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, name := range opts.Exclude {
		if name != "" {
			exclude[name] = true
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Installer{
		fetcher: fetcher,
		workDir: opts.WorkDir,
		subdir:  opts.Subdir,
		exclude: exclude,
		flatten: opts.Flatten,
		logger:  logger,
		rename:  os.Rename,
	}
}

// Install downloads the archive for ref and moves its worker files into the
// work directory. On failure the work directory is left as it was.
func (i *Installer) Install(ctx context.Context, ref client.VersionRef) error {
	i.sweepStaging()

	return i.fetcher.Fetch(ctx, ref, func(archivePath string) error {
		// Staging lives inside the work directory so the final moves are
		// same-filesystem renames.
		staging, err := os.MkdirTemp(i.workDir, stagingPattern)
		if err != nil {
			return fmt.Errorf("%w: failed to create staging directory: %w", fault.ErrExtract, err)
		}
		defer os.RemoveAll(staging)

		extracted := filepath.Join(staging, "archive")
		if err := extractZip(archivePath, extracted); err != nil {
			return fmt.Errorf("%w: %w", fault.ErrExtract, err)
		}

		root, err := locateWorker(extracted, ref, i.subdir)
		if err != nil {
			return fmt.Errorf("%w: %w", fault.ErrExtract, err)
		}

		files, err := i.collect(root)
		if err != nil {
			return fmt.Errorf("%w: %w", fault.ErrExtract, err)
		}

		if err := i.promote(filepath.Join(staging, "backup"), files); err != nil {
			return fmt.Errorf("%w: %w", fault.ErrExtract, err)
		}

		i.logger.Info("worker installed", "ref", ref.RepoRef, "files", len(files))
		return nil
	})
}

const stagingPattern = ".install-*"

// sweepStaging removes staging directories left behind by an install that
// was killed before it could clean up.
func (i *Installer) sweepStaging() {
	matches, err := filepath.Glob(filepath.Join(i.workDir, stagingPattern))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.RemoveAll(path); err != nil {
			i.logger.Warn("failed to remove stale staging directory", "path", path, "error", err)
			continue
		}
		i.logger.Debug("removed stale staging directory", "path", path)
	}
}

// HasWorker reports whether the worker entry exists in workDir.
func HasWorker(workDir, entry string) bool {
	if entry == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(workDir, entry))
	return err == nil && !info.IsDir()
}

// extractZip unpacks the archive at path into dest, rejecting entries that
// would land outside dest.
func extractZip(path, dest string) error {
	reader, err := zip.OpenReader(path)
	if errors.Is(err, zip.ErrInsecurePath) {
		reader.Close()
		return fmt.Errorf("archive entry escapes the extraction directory: %w", err)
	}
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range reader.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target+string(os.PathSeparator), root) {
			return fmt.Errorf("archive entry %q escapes the extraction directory", f.Name)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		case !mode.IsRegular():
			// symlinks and devices are not part of a worker
			continue
		}

		if err := extractFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer src.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", f.Name, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to write %s: %w", f.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Name, err)
	}

	if !f.Modified.IsZero() {
		os.Chtimes(target, f.Modified, f.Modified)
	}
	return nil
}

// locateWorker finds <repo>-<ref>/<subdir> in the extracted tree. Archive
// hosts do not always name the root after the literal ref (GitHub drops the
// leading "v" of tags), so a single top-level directory is accepted too.
func locateWorker(staging string, ref client.VersionRef, subdir string) (string, error) {
	want := ref.RepoName() + "-" + strings.ReplaceAll(ref.RepoRef, "/", "-")

	root := filepath.Join(staging, want)
	if !isDir(root) {
		entries, err := os.ReadDir(staging)
		if err != nil {
			return "", fmt.Errorf("failed to read extracted archive: %w", err)
		}
		var dirs []string
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			}
		}
		if len(dirs) != 1 {
			return "", fmt.Errorf("archive root %s not found", want)
		}
		root = filepath.Join(staging, dirs[0])
	}

	workerDir := filepath.Join(root, filepath.FromSlash(subdir))
	if !isDir(workerDir) {
		return "", fmt.Errorf("worker directory %s not found in archive", subdir)
	}
	return workerDir, nil
}

// stagedFile is a file waiting in staging and the path it installs to,
// relative to the work directory.
type stagedFile struct {
	src string
	rel string
}

func (i *Installer) collect(root string) ([]stagedFile, error) {
	var files []stagedFile
	seen := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if i.flatten {
			rel = d.Name()
		}
		// only a top-level file can land on an excluded name
		if !strings.ContainsRune(rel, filepath.Separator) && i.exclude[rel] {
			return nil
		}

		if prev, ok := seen[rel]; ok {
			return fmt.Errorf("duplicate file name %s (%s and %s)", rel, prev, path)
		}
		seen[rel] = path

		files = append(files, stagedFile{src: path, rel: rel})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(a, b int) bool { return files[a].rel < files[b].rel })
	return files, nil
}

// promote renames every staged file over its destination. Every destination
// is checked before the first rename, and replaced files are parked in
// backupDir so a failed rename puts the previous worker back.
func (i *Installer) promote(backupDir string, files []stagedFile) error {
	for _, f := range files {
		if err := i.checkDestination(f.rel); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	type moved struct {
		dst    string
		backup string
	}
	var done []moved

	rollback := func() {
		for j := len(done) - 1; j >= 0; j-- {
			m := done[j]
			if m.backup == "" {
				os.Remove(m.dst)
				continue
			}
			if err := os.Rename(m.backup, m.dst); err != nil {
				i.logger.Error("failed to restore worker file", "path", m.dst, "error", err)
			}
		}
	}

	for n, f := range files {
		dst := filepath.Join(i.workDir, f.rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			rollback()
			return fmt.Errorf("failed to create directory for %s: %w", f.rel, err)
		}

		m := moved{dst: dst}
		if _, err := os.Lstat(dst); err == nil {
			m.backup = filepath.Join(backupDir, strconv.Itoa(n))
			if err := os.Rename(dst, m.backup); err != nil {
				rollback()
				return fmt.Errorf("failed to replace %s: %w", f.rel, err)
			}
		}

		if err := i.rename(f.src, dst); err != nil {
			if m.backup != "" {
				os.Rename(m.backup, dst)
			}
			rollback()
			return fmt.Errorf("failed to install %s: %w", f.rel, err)
		}
		done = append(done, m)
	}
	return nil
}

// checkDestination fails when rel, or one of its parent directories, is
// blocked by something a file rename cannot replace.
func (i *Installer) checkDestination(rel string) error {
	dst := filepath.Join(i.workDir, rel)
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		return fmt.Errorf("cannot replace directory %s with a file", rel)
	}

	for dir := filepath.Dir(rel); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		info, err := os.Stat(filepath.Join(i.workDir, dir))
		if err == nil && !info.IsDir() {
			return fmt.Errorf("cannot create directory %s over a file", dir)
		}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
