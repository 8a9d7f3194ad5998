// Package ssh runs commands on testbed nodes and uploads files to them.
//
// Actions use it for the operations that must happen on a node itself, such
// as rebooting a compute node or placing generated kolla files on the control
// node. Connections are opened per action and closed when it returns.
package ssh

import (
	"context"
	"io"
	"os"
	"time"
)

// Remote is an open connection to one node.
type Remote interface {
	// Exec runs cmd and waits for it to exit. A non-zero exit status is
	// returned as an error together with the captured output.
	Exec(ctx context.Context, cmd string) (*ExecResult, error)

	// Upload writes the content of r to remotePath, creating parent
	// directories as needed.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error

	// Close releases the connection.
	Close() error
}

// Dialer opens connections to nodes by address.
type Dialer interface {
	Dial(ctx context.Context, host string) (Remote, error)
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the total execution time.
func (r *ExecResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Host is the node the operation targeted
	Host string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Host + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
