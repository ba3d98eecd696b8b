// Package pathguard validates client-supplied paths and maps them between a
// user's home directory and the absolute filesystem.
//
// Client paths are always slash-separated and relative to the home root,
// with a leading "/" meaning the home itself.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/fruitsalade/livedrive/internal/apperr"
)

const forbiddenChars = "*{}|<>\"?\x00"

// IsSane reports whether p is safe to join onto a home directory.
func IsSane(p string) bool {
	if p == "" || strings.ContainsAny(p, forbiddenChars) {
		return false
	}
	for _, seg := range strings.FieldsFunc(p, isSeparator) {
		if seg == ".." {
			return false
		}
	}
	return true
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}

// IsValidName reports whether name can be used as the final segment of a
// rename target.
func IsValidName(name string) bool {
	return strings.TrimFunc(name, unicode.IsSpace) != ""
}

// Clean normalizes a client path to its rooted slash form.
func Clean(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

// AddFilePath joins a client path onto home and normalizes the result.
// It does not validate; callers check IsSane first or use Resolve.
func AddFilePath(home, rel string) string {
	return filepath.Join(home, filepath.FromSlash(Clean(rel)))
}

// RemoveFilePath derives the client path of abs under home.
//
// This is used for display (logs and push labels). It is not an inverse of
// AddFilePath: a path outside home comes back cleaned but unchanged, and
// trailing separators on either side are dropped.
func RemoveFilePath(home, abs string) string {
	home = filepath.Clean(home)
	abs = filepath.Clean(abs)
	if abs == home {
		return "/"
	}
	if rest, ok := strings.CutPrefix(abs, home+string(filepath.Separator)); ok {
		return "/" + filepath.ToSlash(rest)
	}
	return filepath.ToSlash(abs)
}

// Within reports whether abs is home or below it.
func Within(home, abs string) bool {
	home = filepath.Clean(home)
	abs = filepath.Clean(abs)
	return abs == home || strings.HasPrefix(abs, home+string(filepath.Separator))
}

// Resolve validates rel and returns its absolute path under home. Symlinks
// along the deepest existing prefix must not lead outside home.
func Resolve(home, rel string) (string, error) {
	if !IsSane(rel) {
		return "", apperr.New(apperr.ErrValidation, fmt.Sprintf("invalid path %q", rel))
	}
	abs := AddFilePath(home, rel)
	if !Within(home, abs) {
		return "", apperr.New(apperr.ErrValidation, fmt.Sprintf("path %q escapes home", rel))
	}

	realHome, err := filepath.EvalSymlinks(home)
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", apperr.Classify(err))
	}
	existing, err := deepestExisting(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, apperr.Classify(err))
	}
	if !Within(realHome, existing) {
		return "", apperr.New(apperr.ErrPermission, fmt.Sprintf("path %q leaves home through a symlink", rel))
	}
	return abs, nil
}

// deepestExisting resolves symlinks on the longest prefix of p that exists.
func deepestExisting(p string) (string, error) {
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		rest = append([]string{filepath.Base(p)}, rest...)
		p = parent
	}
}
