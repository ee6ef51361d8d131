package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"askbridge/internal/logging"
)

const (
	// enterDelay lets the TUI's input box absorb the pasted payload before
	// the enter key lands; sending both in one write makes some TUIs treat
	// the newline as part of the text.
	enterDelay   = 300 * time.Millisecond
	writeChunk   = 4 * 1024
	stopDeadline = 3 * time.Second
)

var ErrSenderClosed = errors.New("sender closed")

// PtySender hosts an agent CLI under a pseudo-terminal and types prompts
// into it. The agent's own transcript files are the read path; pty output
// is drained and discarded so the child never blocks on a full buffer.
type PtySender struct {
	mu     sync.Mutex
	pty    Pty
	cmd    *exec.Cmd
	closed bool
	logger *logging.Logger
}

type PtySenderOptions struct {
	Command string
	Args    []string
	Factory PtyFactory
	Logger  *logging.Logger
}

func StartPtySender(options PtySenderOptions) (*PtySender, error) {
	if options.Command == "" {
		return nil, errors.New("terminal: command required")
	}
	factory := options.Factory
	if factory == nil {
		factory = DefaultPtyFactory()
	}
	hostedPty, cmd, err := factory.Start(options.Command, options.Args...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", options.Command, err)
	}
	sender := &PtySender{pty: hostedPty, cmd: cmd, logger: options.Logger}
	go sender.drain()
	return sender, nil
}

// Send types the prompt followed by enter. The context bounds the whole
// exchange; pty writes themselves are fast unless the child stopped reading.
func (sender *PtySender) Send(ctx context.Context, prompt string) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.closed {
		return ErrSenderClosed
	}

	payload := []byte(prompt)
	for len(payload) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := payload
		if len(chunk) > writeChunk {
			chunk = chunk[:writeChunk]
		}
		written, err := sender.pty.Write(chunk)
		if err != nil {
			return fmt.Errorf("prompt write: %w", err)
		}
		payload = payload[written:]
	}

	select {
	case <-time.After(enterDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if _, err := sender.pty.Write([]byte("\r")); err != nil {
		return fmt.Errorf("prompt enter: %w", err)
	}
	return nil
}

// Close terminates the hosted agent. The process group gets SIGTERM, then
// SIGKILL if it lingers past the deadline.
func (sender *PtySender) Close() error {
	sender.mu.Lock()
	if sender.closed {
		sender.mu.Unlock()
		return nil
	}
	sender.closed = true
	hostedPty := sender.pty
	cmd := sender.cmd
	sender.mu.Unlock()

	if hostedPty != nil {
		_ = hostedPty.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = signalGroup(cmd, syscall.SIGTERM)

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case <-waited:
	case <-time.After(stopDeadline):
		_ = signalGroup(cmd, syscall.SIGKILL)
		<-waited
	}
	return nil
}

func (sender *PtySender) drain() {
	buffer := make([]byte, 8*1024)
	for {
		sender.mu.Lock()
		hostedPty := sender.pty
		closed := sender.closed
		sender.mu.Unlock()
		if closed || hostedPty == nil {
			return
		}
		if _, err := hostedPty.Read(buffer); err != nil {
			if !errors.Is(err, io.EOF) && sender.logger != nil {
				sender.logger.Debug("pty drain ended", map[string]string{"error": err.Error()})
			}
			return
		}
	}
}
