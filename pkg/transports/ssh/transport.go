// Package ssh provides the SSH/SFTP transport used to bootstrap freshly
// provisioned test instances.
package ssh

import (
	"context"
	"errors"
	"io"
	"os"
)

// Transport is a connected session to one remote host.
type Transport interface {
	// Run executes cmd on the remote host, streaming its output to stdout and
	// stderr. A non-zero exit status is returned as a *TransportError with
	// ExitCode set.
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error

	// Upload writes content to remotePath over SFTP, creating parent
	// directories, and sets its permissions to mode.
	Upload(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error

	// Close releases the connection.
	Close() error
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// ExitCode is the remote exit status of a failed Run, or -1.
	ExitCode int
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a transport error worth retrying.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}
