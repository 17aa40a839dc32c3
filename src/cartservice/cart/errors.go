package cart

import "github.com/pkg/errors"

var (
	// ErrNotAuthenticated is raised at the request boundary when no uid is available.
	ErrNotAuthenticated = errors.New("not authenticated")

	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidPrice    = errors.New("price cannot be negative")
	ErrInvalidProduct  = errors.New("product id is required")
	ErrEmptyUpdate     = errors.New("update has no fields")
	ErrProfileNotFound = errors.New("profile not found")
)

// RemoteReadError reports a failed read against the remote store.
type RemoteReadError struct {
	Op  string
	Err error
}

func (e *RemoteReadError) Error() string {
	return "remote read failed (" + e.Op + "): " + e.Err.Error()
}

func (e *RemoteReadError) Unwrap() error { return e.Err }
func (e *RemoteReadError) Cause() error  { return e.Err }

// RemoteWriteError reports a failed write, patch or delete against the remote store.
type RemoteWriteError struct {
	Op  string
	Err error
}

func (e *RemoteWriteError) Error() string {
	return "remote write failed (" + e.Op + "): " + e.Err.Error()
}

func (e *RemoteWriteError) Unwrap() error { return e.Err }
func (e *RemoteWriteError) Cause() error  { return e.Err }

// IsRemote reports whether err came from the remote store.
func IsRemote(err error) bool {
	var r *RemoteReadError
	var w *RemoteWriteError
	return errors.As(err, &r) || errors.As(err, &w)
}
