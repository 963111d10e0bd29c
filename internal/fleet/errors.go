package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no matching local or remote record exists.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")
	// ErrBackendUnreachable is a transient network, timeout or 5xx failure.
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrBackendRejected is a validation failure reported by the backend.
	ErrBackendRejected = errors.New("backend rejected request")
	// ErrMisconfiguredServer means the server lacks backend connection fields.
	ErrMisconfiguredServer = errors.New("server not properly configured")
	// ErrNoServerAvailable means the fleet has no server for the selector.
	ErrNoServerAvailable = errors.New("no server available")
	// ErrDeviceLimit means the account already uses all of its devices.
	ErrDeviceLimit = errors.New("device limit reached")
)

// BackendError is a classified failure of one backend call.
type BackendError struct {
	Kind    error
	Op      string
	Server  string
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Server, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BackendError) Is(target error) bool {
	return target == e.Kind
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// PartialFailure reports that the backend and the local store disagree after
// a mutation and need manual reconciliation.
type PartialFailure struct {
	Op        string
	ServerID  string
	Handle    string
	BackendOK bool
	LocalOK   bool
	Err       error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("partial failure: %s %s on server %s (backend_ok=%t local_ok=%t): %v",
		e.Op, e.Handle, e.ServerID, e.BackendOK, e.LocalOK, e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

// IsPartialFailure returns the PartialFailure in err's chain, if any.
func IsPartialFailure(err error) (*PartialFailure, bool) {
	var pf *PartialFailure
	if errors.As(err, &pf) {
		return pf, true
	}
	return nil, false
}

// BackendMessage returns the raw backend message carried by err, if any.
func BackendMessage(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Message
	}
	return ""
}
