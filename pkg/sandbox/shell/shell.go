// Package shell drives a persistent interactive shell over a byte-stream
// transport. Unlike one-shot execs, shell state (cwd, exported variables,
// virtualenvs) persists across commands within a session. Command boundaries
// are detected by a sentinel prompt; exit codes are recovered with an
// `echo $?` probe after each command.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is a bidirectional byte stream to a live shell: an SSH channel,
// a pty, or a pipe pair in tests.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrSessionClosed is returned for commands issued after Close.
var ErrSessionClosed = errors.New("shell session closed")

var errPromptTimeout = errors.New("prompt not seen before deadline")

const (
	// interruptByte is Ctrl-C, sent to the shell's pty on command timeout.
	interruptByte = 0x03

	// interruptGrace bounds the wait for a fresh prompt after an interrupt.
	interruptGrace = 3 * time.Second
)

// Session is a single interactive shell. Commands are serialized: the shell
// has one cursor, so concurrent Run calls queue on an internal lock.
type Session struct {
	transport Transport
	prompt    string

	data   chan []byte
	readEr chan error
	done   chan struct{}

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// NewSession takes ownership of the transport, installs a sentinel prompt in
// the remote shell and waits for it to appear. The sentinel is randomized per
// session so output can never be mistaken for a prompt.
func NewSession(transport Transport) (*Session, error) {
	s := &Session{
		transport: transport,
		prompt:    "###AGENTRUN-" + uuid.NewString()[:8] + "###",
		data:      make(chan []byte, 16),
		readEr:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	go s.readLoop()

	// The prompt literal is split across two quoted halves so the echoed
	// export line itself cannot match the sentinel.
	half := len(s.prompt) / 2
	setup := fmt.Sprintf("export PS1='%s''%s' PS2='' PROMPT_COMMAND=''",
		s.prompt[:half], s.prompt[half:])
	if err := s.sendLine(setup); err != nil {
		transport.Close()
		return nil, fmt.Errorf("installing shell prompt: %w", err)
	}
	if _, err := s.readUntilPrompt(10 * time.Second); err != nil {
		transport.Close()
		return nil, fmt.Errorf("shell did not present a prompt: %w", err)
	}
	return s, nil
}

// Run executes cmd in the shell and blocks until the prompt returns or the
// timeout fires. On timeout the shell receives an interrupt and the partial
// output is returned with exit code -1 and a "timed out" trailer.
func (s *Session) Run(ctx context.Context, cmd string, timeout time.Duration) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, "", ErrSessionClosed
	}

	if err := ctx.Err(); err != nil {
		return -1, "", err
	}
	if err := s.sendLine(cmd); err != nil {
		return -1, "", err
	}
	out, err := s.readUntilPrompt(timeout)
	output := cleanOutput(out, cmd)
	if errors.Is(err, errPromptTimeout) {
		s.interrupt()
		if output != "" && !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		return -1, output + fmt.Sprintf("command timed out after %s", timeout), nil
	}
	if err != nil {
		return -1, output, err
	}

	code, err := s.probeExitCode()
	if err != nil {
		return -1, output, err
	}
	return code, output, nil
}

// probeExitCode asks the shell for $? of the previous command. Must run
// before any other line is sent.
func (s *Session) probeExitCode() (int, error) {
	if err := s.sendLine("echo $?"); err != nil {
		return -1, err
	}
	out, err := s.readUntilPrompt(10 * time.Second)
	if err != nil {
		return -1, fmt.Errorf("reading exit code: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if code, convErr := strconv.Atoi(line); convErr == nil {
			return code, nil
		}
	}
	return -1, fmt.Errorf("no exit code in shell response %q", out)
}

// interrupt sends Ctrl-C and swallows output until the prompt reappears, so
// the next command starts from a clean cursor.
func (s *Session) interrupt() {
	_, _ = s.transport.Write([]byte{interruptByte})
	_ = s.sendLine("")
	_, _ = s.readUntilPrompt(interruptGrace)
}

// Close shuts the transport down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.transport.Close()
}

func (s *Session) sendLine(line string) error {
	_, err := s.transport.Write([]byte(line + "\n"))
	return err
}

// readLoop is the single reader of the transport; Run consumes its chunks
// through the data channel so prompt scanning can observe deadlines.
func (s *Session) readLoop() {
	for {
		chunk := make([]byte, 4096)
		n, err := s.transport.Read(chunk)
		if n > 0 {
			// A session abandoned after Close has no Run call draining the
			// channel; the done select lets this goroutine exit instead of
			// blocking on a full buffer.
			select {
			case s.data <- chunk[:n]:
			case <-s.done:
				s.readEr <- ErrSessionClosed
				return
			}
		}
		if err != nil {
			s.readEr <- err
			return
		}
	}
}

// readUntilPrompt accumulates output until the sentinel appears. Bytes after
// the sentinel are carried over to the next call.
func (s *Session) readUntilPrompt(timeout time.Duration) (string, error) {
	buf := s.pending
	s.pending = nil

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if idx := bytes.Index(buf, []byte(s.prompt)); idx >= 0 {
			rest := buf[idx+len(s.prompt):]
			if len(rest) > 0 {
				s.pending = append([]byte(nil), rest...)
			}
			return string(buf[:idx]), nil
		}
		select {
		case chunk := <-s.data:
			buf = append(buf, chunk...)
		case err := <-s.readEr:
			return string(buf), fmt.Errorf("shell transport failed: %w", err)
		case <-timer.C:
			return string(buf), errPromptTimeout
		}
	}
}

// cleanOutput strips the echoed command line (present when the pty echoes
// input) and the trailing newline before the prompt.
func cleanOutput(out, cmd string) string {
	out = strings.ReplaceAll(out, "\r\n", "\n")
	if rest, ok := strings.CutPrefix(out, cmd+"\n"); ok {
		out = rest
	}
	return strings.TrimSuffix(out, "\n")
}
