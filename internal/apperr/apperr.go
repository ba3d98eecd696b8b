// Package apperr defines the error categories shared by the filesystem,
// session and sync layers, and maps them to HTTP statuses.
package apperr

import (
	"errors"
	"io/fs"
	"net/http"
	"syscall"
)

var (
	// ErrValidation marks unsafe or malformed input such as a traversal path.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound marks a missing file, directory, session or link.
	ErrNotFound = errors.New("not found")
	// ErrNotADirectory marks a directory operation on a file.
	ErrNotADirectory = errors.New("not a directory")
	// ErrPermission marks an operation the OS or the session refuses.
	ErrPermission = errors.New("permission denied")
	// ErrConflict marks an existing destination or a copy into itself.
	ErrConflict = errors.New("conflict")
	// ErrChannel marks a push to a connection that cannot take it yet.
	ErrChannel = errors.New("channel not ready")
	// ErrInvalidCredentials marks a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Error carries a category plus user-facing text.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// New returns an error of the given kind with a message meant for users.
func New(kind error, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to err, keeping err in the chain.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Classify maps filesystem errors onto the taxonomy. Errors that already
// carry a kind, and errors it does not recognize, are returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isKind(err):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return Wrap(ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return Wrap(ErrPermission, err)
	case errors.Is(err, fs.ErrExist):
		return Wrap(ErrConflict, err)
	case errors.Is(err, syscall.ENOTDIR):
		return Wrap(ErrNotADirectory, err)
	case errors.Is(err, fs.ErrInvalid):
		return Wrap(ErrValidation, err)
	}
	return err
}

func isKind(err error) bool {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrNotADirectory, ErrPermission, ErrConflict, ErrChannel, ErrInvalidCredentials} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	err = Classify(err)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotADirectory):
		return http.StatusNotFound
	case errors.Is(err, ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
