package identity

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Prompter asks the key holder to approve a signature request.
type Prompter interface {
	Approve(ctx context.Context, subject Address, message []byte) (bool, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, subject Address, message []byte) (bool, error)

func (f PromptFunc) Approve(ctx context.Context, subject Address, message []byte) (bool, error) {
	return f(ctx, subject, message)
}

// InteractiveSigner gates every signature behind a human approval.
// Declining, or abandoning the prompt via ctx, yields ErrUserRejected.
type InteractiveSigner struct {
	inner    Signer
	prompter Prompter
}

func NewInteractiveSigner(inner Signer, prompter Prompter) *InteractiveSigner {
	return &InteractiveSigner{inner: inner, prompter: prompter}
}

func (s *InteractiveSigner) Address() Address {
	return s.inner.Address()
}

func (s *InteractiveSigner) PublicKey() []byte {
	return s.inner.PublicKey()
}

func (s *InteractiveSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := s.prompter.Approve(ctx, s.inner.Address(), message)
		ch <- answer{ok: ok, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUserRejected, ctx.Err())
	case a := <-ch:
		if a.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrUserRejected, ctx.Err())
		}
		if a.err != nil {
			return nil, fmt.Errorf("signature prompt failed: %w", a.err)
		}
		if !a.ok {
			return nil, ErrUserRejected
		}
	}
	return s.inner.Sign(ctx, message)
}

// LinePrompter asks for y/N confirmation on a line-oriented terminal.
// Successive prompts share one buffered reader over In, so answers typed
// ahead are kept for the next prompt.
//
// A read from In cannot be interrupted. If the InteractiveSigner gives up on
// a prompt because its ctx ended, the goroutine running Approve stays parked
// in the read until a line arrives or In is closed, and that line is consumed
// by the abandoned prompt.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

func (p *LinePrompter) Approve(ctx context.Context, subject Address, message []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}

	_, _ = fmt.Fprintf(p.Out, "Sign session request for %s?\n%s\n[y/N]: ", subject, message)
	line, err := p.reader.ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
