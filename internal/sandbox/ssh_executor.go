package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHExecutor implements RemoteExecutor over SSH. File transfer uses a
// remote shell with the payload fed through stdin, so the target only
// needs a POSIX shell, not an sftp subsystem.
type SSHExecutor struct {
	// DialTimeout bounds connection establishment per call.
	DialTimeout time.Duration

	// HostKeyCallback defaults to InsecureIgnoreHostKey, matching the
	// trust model of batch deployments to freshly provisioned hosts.
	// Callers with a known_hosts file should override it.
	HostKeyCallback ssh.HostKeyCallback
}

// NewSSHExecutor returns an executor with a 30 second dial timeout.
func NewSSHExecutor() *SSHExecutor {
	return &SSHExecutor{DialTimeout: 30 * time.Second}
}

func (e *SSHExecutor) clientConfig(creds Credentials) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if len(creds.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method provided for user %s", creds.Username)
	}

	callback := e.HostKeyCallback
	if callback == nil {
		callback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: callback,
		Timeout:         e.DialTimeout,
	}, nil
}

func (e *SSHExecutor) dial(ctx context.Context, host string, creds Credentials) (*ssh.Client, error) {
	config, err := e.clientConfig(creds)
	if err != nil {
		return nil, err
	}

	port := creds.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: e.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// CopyFile streams localPath to remotePath on the target host. The parent
// directory is created first so packages can land in fresh staging dirs.
func (e *SSHExecutor) CopyFile(ctx context.Context, host string, creds Credentials, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	client, err := e.dial(ctx, host, creds)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session on %s: %w", host, err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	remoteDir := filepath.Dir(remotePath)
	cmd := fmt.Sprintf("mkdir -p %q && cat > %q", remoteDir, remotePath)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("remote write to %s:%s failed: %w", host, remotePath, err)
		}
		return nil
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	}
}

// RunCommand executes a command on the target host and returns its
// combined output.
func (e *SSHExecutor) RunCommand(ctx context.Context, host string, creds Credentials, command string) (string, error) {
	client, err := e.dial(ctx, host, creds)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session on %s: %w", host, err)
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return string(res.output), fmt.Errorf("command on %s failed: %w", host, res.err)
		}
		return string(res.output), nil
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	}
}
