package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransferError classifies a failed registry operation. Transient failures
// (network interruptions, timeouts, throttling, 5xx responses) are retried by
// the engine; permanent ones (missing image, rejected credentials) are not.
type TransferError struct {
	Op        string // "pull", "tag", "push" or "tags"
	Ref       string
	Transient bool
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transfer failure worth retrying.
func IsTransient(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Transient
}

func transientErr(op, ref string, err error) error {
	return &TransferError{Op: op, Ref: ref, Transient: true, Err: err}
}

func permanentErr(op, ref string, err error) error {
	return &TransferError{Op: op, Ref: ref, Transient: false, Err: err}
}

// isNetTransient classifies errors that only the network layer can explain:
// context expiry on the operation is not retried (the run is ending either
// way), while timeouts and connection failures below it are.
func isNetTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
