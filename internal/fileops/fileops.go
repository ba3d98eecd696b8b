// Package fileops implements the filesystem mutations clients can request.
// All paths are absolute and have already been checked by pathguard.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/otiai10/copy"
	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/metrics"
	"github.com/fruitsalade/livedrive/internal/pathguard"
	"github.com/fruitsalade/livedrive/internal/protocol"
)

const (
	dirMode  = 0755
	fileMode = 0644
)

// ErrCopyIntoSelf is returned when a directory is copied or moved into
// itself.
var ErrCopyIntoSelf = apperr.New(apperr.ErrConflict, "Can't copy directory into itself.")

func record(op string, err error) error {
	metrics.RecordMutation(op, err == nil)
	return err
}

// Rename moves oldPath to newPath. Unless overwrite is set an existing
// newPath is a conflict.
func Rename(oldPath, newPath string, overwrite bool) error {
	return record("rename", rename(oldPath, newPath, overwrite))
}

func rename(oldPath, newPath string, overwrite bool) error {
	if !pathguard.IsValidName(filepath.Base(newPath)) {
		return apperr.New(apperr.ErrValidation, "Invalid rename request")
	}
	if _, err := os.Lstat(oldPath); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, apperr.Classify(err))
	}
	if !overwrite && oldPath != newPath {
		if _, err := os.Lstat(newPath); err == nil {
			return apperr.New(apperr.ErrConflict, fmt.Sprintf("%s already exists", filepath.Base(newPath)))
		}
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, apperr.Classify(err))
	}
	return nil
}

// Delete removes a file, or a directory with everything below it. It
// reports whether p was a directory.
func Delete(p string) (bool, error) {
	info, err := os.Lstat(p)
	if err != nil {
		return false, record("delete", fmt.Errorf("delete %s: %w", p, apperr.Classify(err)))
	}
	if info.IsDir() {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil {
		return info.IsDir(), record("delete", fmt.Errorf("delete %s: %w", p, apperr.Classify(err)))
	}
	return info.IsDir(), record("delete", nil)
}

// Clipboard copies or moves src to dst. An existing dst is never
// overwritten; the entry lands at the next free name instead, which is
// returned.
func Clipboard(ctx context.Context, kind protocol.ClipboardKind, src, dst string) (string, error) {
	final, err := clipboard(ctx, kind, src, dst)
	return final, record(string(kind), err)
}

func clipboard(ctx context.Context, kind protocol.ClipboardKind, src, dst string) (string, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", kind, src, apperr.Classify(err))
	}
	if info.IsDir() && pathguard.Within(src, dst) {
		return "", ErrCopyIntoSelf
	}

	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return "", fmt.Errorf("%s %s: %w", kind, src, apperr.Classify(err))
	}
	dst, err = UniquePath(dst)
	if err != nil {
		return "", err
	}

	switch kind {
	case protocol.ClipboardCut:
		err = move(ctx, src, dst)
	case protocol.ClipboardCopy:
		err = copyTree(ctx, src, dst)
	default:
		return "", apperr.New(apperr.ErrValidation, fmt.Sprintf("clipboard type %q", kind))
	}
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", kind, src, apperr.Classify(err))
	}
	return dst, nil
}

func move(ctx context.Context, src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	logging.Debug("cross-device move, copying", zap.String("src", src), zap.String("dst", dst))
	if err := copyTree(ctx, src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

// copyTree copies a file or directory, checking ctx before each entry.
// A cancelled copy removes what it already wrote.
func copyTree(ctx context.Context, src, dst string) error {
	opts := copy.Options{
		OnSymlink: func(string) copy.SymlinkAction { return copy.Shallow },
		Skip: func(_ os.FileInfo, _, _ string) (bool, error) {
			return false, ctx.Err()
		},
		PreserveTimes: true,
	}
	if err := copy.Copy(src, dst, opts); err != nil {
		if ctx.Err() != nil {
			os.RemoveAll(dst)
		}
		return err
	}
	return nil
}

// UniquePath returns p if nothing exists there, otherwise the first free
// "name-N.ext" beside it.
func UniquePath(p string) (string, error) {
	info, err := os.Lstat(p)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", p, apperr.Classify(err))
	}

	dir, name := filepath.Split(p)
	ext := ""
	if !info.IsDir() {
		ext = filepath.Ext(name)
		if ext == name {
			ext = ""
		}
	}
	base := strings.TrimSuffix(name, ext)

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, base+"-"+strconv.Itoa(i)+ext)
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, apperr.Classify(err))
		}
	}
}

// CreateFolder creates p and any missing parents.
func CreateFolder(p string) error {
	if err := os.MkdirAll(p, dirMode); err != nil {
		return record("mkdir", fmt.Errorf("mkdir %s: %w", p, apperr.Classify(err)))
	}
	return record("mkdir", nil)
}

// ItemError is the failure of one entry of a batch request.
type ItemError struct {
	Path string
	Err  error
}

func (e ItemError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e ItemError) Unwrap() error { return e.Err }

// CreateFiles creates an empty file for each client path under home,
// creating parent directories as needed. Every item is attempted; the
// failures are returned.
func CreateFiles(home string, paths []string) []ItemError {
	return batch(home, paths, "touch", func(abs string) error {
		if err := os.MkdirAll(filepath.Dir(abs), dirMode); err != nil {
			return err
		}
		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
		if err != nil {
			return err
		}
		return f.Close()
	})
}

// CreateFolders creates each client path under home as a directory.
func CreateFolders(home string, paths []string) []ItemError {
	return batch(home, paths, "mkdir", func(abs string) error {
		return os.MkdirAll(abs, dirMode)
	})
}

func batch(home string, paths []string, op string, fn func(abs string) error) []ItemError {
	var failed []ItemError
	for _, p := range paths {
		abs, err := pathguard.Resolve(home, p)
		if err == nil {
			err = apperr.Classify(fn(abs))
		}
		record(op, err)
		if err != nil {
			failed = append(failed, ItemError{Path: p, Err: err})
		}
	}
	return failed
}

// Save writes content to p atomically, keeping p's permissions if it
// exists.
func Save(p string, content io.Reader) error {
	return record("save", save(p, content))
}

func save(p string, content io.Reader) error {
	mode := os.FileMode(fileMode)
	if info, err := os.Stat(p); err == nil {
		if info.IsDir() {
			return apperr.New(apperr.ErrConflict, fmt.Sprintf("%s is a directory", filepath.Base(p)))
		}
		mode = info.Mode().Perm()
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("save %s: %w", p, apperr.Classify(err))
	}
	return writeAtomic(p, content, mode)
}

// writeAtomic writes to a temp file beside p then renames it into place.
func writeAtomic(p string, r io.Reader, mode os.FileMode) error {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, ".livedrive-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, apperr.Classify(err))
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp for %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p, apperr.Classify(err))
	}
	return nil
}

// MoveIn places a finished upload at dst. With autoRename an existing dst
// is kept and the upload takes the next free name; otherwise dst is
// replaced. It returns the final path.
func MoveIn(tmpPath, dst string, autoRename bool) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return "", record("upload", fmt.Errorf("upload %s: %w", dst, apperr.Classify(err)))
	}
	if autoRename {
		var err error
		if dst, err = UniquePath(dst); err != nil {
			return "", record("upload", err)
		}
	}
	err := os.Rename(tmpPath, dst)
	if errors.Is(err, syscall.EXDEV) {
		err = moveAcross(tmpPath, dst)
	}
	if err != nil {
		return "", record("upload", fmt.Errorf("upload %s: %w", dst, apperr.Classify(err)))
	}
	return dst, record("upload", nil)
}

func moveAcross(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := writeAtomic(dst, f, fileMode); err != nil {
		return err
	}
	return os.Remove(src)
}
