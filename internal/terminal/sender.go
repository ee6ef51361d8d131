// Package terminal delivers wrapped prompts to an agent CLI running under a
// pseudo-terminal. Agent TUIs only accept input through their terminal, so
// the daemon types the prompt the way a person would: payload, pause, enter.
package terminal

import (
	"context"
	"sync"
)

// Sender delivers one prompt to a backend agent.
type Sender interface {
	Send(ctx context.Context, prompt string) error
}

// MemorySender records prompts for tests.
type MemorySender struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

func (sender *MemorySender) Send(_ context.Context, prompt string) error {
	if sender == nil {
		return nil
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.err != nil {
		return sender.err
	}
	sender.prompts = append(sender.prompts, prompt)
	return nil
}

func (sender *MemorySender) Prompts() []string {
	if sender == nil {
		return nil
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	prompts := make([]string, len(sender.prompts))
	copy(prompts, sender.prompts)
	return prompts
}

func (sender *MemorySender) SetError(err error) {
	if sender == nil {
		return
	}
	sender.mu.Lock()
	sender.err = err
	sender.mu.Unlock()
}
