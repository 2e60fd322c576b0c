// Package upload runs a local script on remote hosts: the file is
// pushed over SFTP, executed, and removed again.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"

	"github.com/slashfoo/poh/internal/executor"
	"github.com/slashfoo/poh/internal/ssh"
)

// ClientSource yields a pooled SSH connection for a host.
type ClientSource interface {
	GetClient(ctx context.Context, host string) (*ssh.Client, error)
}

// ScriptRunner implements executor.Runner by uploading the configured
// script to each host and executing it there. The remote copy lives
// under remoteDir with a unique name and is deleted after the run.
type ScriptRunner struct {
	clients   ClientSource
	localPath string
	remoteDir string
}

// Option configures a ScriptRunner.
type Option func(*ScriptRunner)

// WithRemoteDir overrides the remote directory the script is staged in.
func WithRemoteDir(dir string) Option {
	return func(u *ScriptRunner) {
		if dir != "" {
			u.remoteDir = dir
		}
	}
}

// NewScriptRunner creates a runner for the given local script.
func NewScriptRunner(clients ClientSource, localPath string, opts ...Option) *ScriptRunner {
	u := &ScriptRunner{
		clients:   clients,
		localPath: localPath,
		remoteDir: "/tmp",
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run implements executor.Runner. The command argument is only used for
// display; the executed program is always the uploaded script.
func (u *ScriptRunner) Run(ctx context.Context, host string, command string) *executor.Result {
	result := &executor.Result{Host: host}

	stdout, stderr, exitCode, err := u.runScript(ctx, host)
	result.Stdout = stdout
	result.Stderr = stderr
	result.ExitCode = exitCode
	if err != nil {
		result.ExitCode = -1
		result.Err = ssh.WrapConnectError(host, err)
	}
	return result
}

func (u *ScriptRunner) runScript(ctx context.Context, host string) ([]byte, []byte, int, error) {
	client, err := u.clients.GetClient(ctx, host)
	if err != nil {
		return nil, nil, -1, fmt.Errorf("connect: %w", err)
	}

	sftpClient, err := sftp.NewClient(client.SSHClient())
	if err != nil {
		return nil, nil, -1, fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	remotePath, err := u.push(ctx, sftpClient)
	if err != nil {
		return nil, nil, -1, err
	}
	defer sftpClient.Remove(remotePath)

	return client.RunCommand(ctx, remotePath)
}

// push uploads the script to a unique path under remoteDir and marks it
// executable.
func (u *ScriptRunner) push(ctx context.Context, sftpClient *sftp.Client) (string, error) {
	local, err := os.Open(u.localPath)
	if err != nil {
		return "", fmt.Errorf("open script: %w", err)
	}
	defer local.Close()

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate remote name: %w", err)
	}
	remotePath := path.Join(u.remoteDir,
		fmt.Sprintf("poh.%s.%s", filepath.Base(u.localPath), hex.EncodeToString(suffix)))

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create remote script: %w", err)
	}

	if err := copyWithContext(ctx, remote, local); err != nil {
		remote.Close()
		sftpClient.Remove(remotePath)
		return "", fmt.Errorf("upload script: %w", err)
	}
	if err := remote.Close(); err != nil {
		sftpClient.Remove(remotePath)
		return "", fmt.Errorf("flush remote script: %w", err)
	}

	if err := sftpClient.Chmod(remotePath, 0o700); err != nil {
		sftpClient.Remove(remotePath)
		return "", fmt.Errorf("chmod remote script: %w", err)
	}
	return remotePath, nil
}

// copyWithContext copies src to dst, checking for cancellation between
// buffered chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			if _, writeErr := dst.Write(buf[:nr]); writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
