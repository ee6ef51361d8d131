package terminal

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePty struct {
	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func (p *fakePty) Read([]byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, io.EOF
	}
	time.Sleep(5 * time.Millisecond)
	return 0, io.EOF
}

func (p *fakePty) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(data)
}

func (p *fakePty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePty) Resize(uint16, uint16) error { return nil }

func (p *fakePty) contents() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

type fakeFactory struct {
	pty *fakePty
}

func (factory *fakeFactory) Start(string, ...string) (Pty, *exec.Cmd, error) {
	return factory.pty, nil, nil
}

func TestPtySenderTypesPromptThenEnter(t *testing.T) {
	hostedPty := &fakePty{}
	sender, err := StartPtySender(PtySenderOptions{
		Command: "agent",
		Factory: &fakeFactory{pty: hostedPty},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	if err := sender.Send(context.Background(), "hello agent"); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := hostedPty.contents()
	if !strings.HasPrefix(got, "hello agent") {
		t.Fatalf("payload not written first: %q", got)
	}
	if !strings.HasSuffix(got, "\r") {
		t.Fatalf("missing enter: %q", got)
	}
}

func TestPtySenderLargePromptChunked(t *testing.T) {
	hostedPty := &fakePty{}
	sender, err := StartPtySender(PtySenderOptions{
		Command: "agent",
		Factory: &fakeFactory{pty: hostedPty},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	prompt := strings.Repeat("x", 3*writeChunk+17)
	if err := sender.Send(context.Background(), prompt); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := hostedPty.contents(); got != prompt+"\r" {
		t.Fatalf("payload mangled: %d bytes", len(got))
	}
}

func TestPtySenderSendAfterClose(t *testing.T) {
	sender, err := StartPtySender(PtySenderOptions{
		Command: "agent",
		Factory: &fakeFactory{pty: &fakePty{}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sender.Send(context.Background(), "late"); err != ErrSenderClosed {
		t.Fatalf("expected ErrSenderClosed, got %v", err)
	}
}

func TestPtySenderCancelledContext(t *testing.T) {
	sender, err := StartPtySender(PtySenderOptions{
		Command: "agent",
		Factory: &fakeFactory{pty: &fakePty{}},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = sender.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sender.Send(ctx, "never"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestMemorySenderRecords(t *testing.T) {
	sender := NewMemorySender()
	if err := sender.Send(context.Background(), "one"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := sender.Prompts(); len(got) != 1 || got[0] != "one" {
		t.Fatalf("prompts = %+v", got)
	}
}
