package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a Remote backed by one SSH connection.
type Client struct {
	host   string
	config Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// Dial connects to host using config.
func Dial(ctx context.Context, host string, config Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, err := config.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Host: host, Err: err, IsAuthError: true}
	}

	address := config.Address(host)
	logger = logger.With().Str("host", host).Logger()
	logger.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after we gave up.
		go func() {
			if client := <-connChan; client != nil {
				_ = client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Host: host, Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return nil, &TransportError{
			Op:          "connect",
			Host:        host,
			Err:         err,
			IsTemporary: !isAuthFailure(err),
			IsAuthError: isAuthFailure(err),
		}
	case client := <-connChan:
		logger.Debug().Msg("SSH connection established")
		return &Client{host: host, config: config, logger: logger, client: client}, nil
	}
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Host returns the node this client is connected to.
func (c *Client) Host() string {
	return c.host
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "session", Host: c.host, Err: errors.New("not connected")}
	}
	return c.client, nil
}

// Exec runs cmd on the node. The command is signalled when ctx ends or the
// configured command timeout elapses.
func (c *Client) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.conn()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "exec",
			Host:        c.host,
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	result := &ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("executing command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	result.FinishedAt = time.Now()
	result.Stdout = strings.TrimSpace(stdoutBuf.String())
	result.Stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Dur("duration", result.Duration()).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, &TransportError{
			Op:   "exec",
			Host: c.host,
			Err:  fmt.Errorf("command exited with code %d: %s", result.ExitCode, result.Stderr),
		}
	}

	// Includes *ssh.ExitMissingError, which a reboot produces when the
	// connection drops before the exit status arrives.
	result.ExitCode = -1
	return result, &TransportError{Op: "exec", Host: c.host, Err: execErr, IsTemporary: true}
}

// Upload copies r to remotePath over SFTP.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	client, err := c.conn()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Host:        c.host,
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to create remote file: %w", err)}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, r)
	if err != nil {
		return &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := remoteFile.Chmod(mode); err != nil {
		return &TransportError{Op: "upload", Host: c.host, Err: fmt.Errorf("failed to set permissions: %w", err)}
	}

	c.logger.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Msg("file uploaded")
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Host: c.host, Err: err}
	}
	return nil
}

// copyWithContext copies in chunks so a cancelled upload stops between them.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, err := dst.Write(buf[:nr])
			written += int64(nw)
			if err != nil {
				return written, err
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// ConfigDialer dials every node with the same Config.
type ConfigDialer struct {
	Config Config
	Logger zerolog.Logger
}

// Dial implements Dialer.
func (d ConfigDialer) Dial(ctx context.Context, host string) (Remote, error) {
	return Dial(ctx, host, d.Config, d.Logger)
}

var (
	_ Remote = (*Client)(nil)
	_ Dialer = ConfigDialer{}
)
