package shell

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport runs a login shell over SSH with a dumb pty. Sandboxes expose
// sshd on a published port; host key checking is pointless against a
// throwaway container, so it is skipped.
type SSHTransport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

var _ Transport = (*SSHTransport)(nil)

// DialSSH connects to addr (host:port) and starts an interactive shell.
func DialSSH(addr, user, password string) (*SSHTransport, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	// Echo off keeps command output free of echoed input; a dumb terminal
	// keeps it free of escape sequences.
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("dumb", 40, 120, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("ssh pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("ssh stdout: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("ssh shell: %w", err)
	}

	return &SSHTransport{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

func (t *SSHTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *SSHTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

// Close tears the SSH session and connection down.
func (t *SSHTransport) Close() error {
	t.session.Close()
	return t.client.Close()
}
