package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Client is a Transport over one SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// Dial connects to the host described by config.
//
// Network failures and handshake errors other than rejected credentials are
// temporary, since a booting instance often accepts TCP before sshd is ready.
func Dial(ctx context.Context, config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err), ExitCode: -1}
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true, ExitCode: -1}
	}

	address := config.Address()
	logger = logger.With().Str("component", "ssh").Str("address", address).Logger()
	logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true, ExitCode: -1}
	}

	// Bound the handshake by the context as well as the timeout.
	deadline := time.Now().Add(config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		auth := isAuthFailure(err)
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: !auth, IsAuthError: auth, ExitCode: -1}
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Info().Msg("SSH connection established")
	return &Client{
		config: config,
		logger: logger,
		client: ssh.NewClient(ncc, chans, reqs),
	}, nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("not connected"), ExitCode: -1}
	}
	return c.client, nil
}

// Run executes cmd, streaming its output. The command is signalled and the
// session closed when ctx is done or the command timeout elapses.
func (c *Client) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	client, err := c.conn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.CommandTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return &TransportError{Op: "run", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true, ExitCode: -1}
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	start := time.Now()
	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		runErr = ctx.Err()
	case runErr = <-done:
	}

	c.logger.Debug().
		Str("command", cmd).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("Command completed")

	if runErr == nil {
		return nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		return &TransportError{
			Op:       "run",
			Err:      fmt.Errorf("command exited with code %d", exitErr.ExitStatus()),
			ExitCode: exitErr.ExitStatus(),
		}
	}
	return &TransportError{Op: "run", Err: runErr, ExitCode: -1}
}

// Upload copies content to remotePath over SFTP.
func (c *Client) Upload(ctx context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	client, err := c.conn()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true, ExitCode: -1}
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err), ExitCode: -1}
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true, ExitCode: -1}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, content)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true, ExitCode: -1}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err), ExitCode: -1}
		}
	}

	c.logger.Debug().Str("remote", remotePath).Int64("bytes", written).Msg("File uploaded")
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
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err, ExitCode: -1}
	}
	return nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

var _ Transport = (*Client)(nil)
