// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token tracks a queued packet until it is acknowledged, or written for qos 0 publishes.
// Accepting a packet for sending and completing its token are separate events.
type Token struct {
	done    chan struct{}
	once    sync.Once
	err     error
	codes   []byte
	kind    byte        // the packet type the token waits on
	written atomic.Bool // the packet has been written at least once
}

func newToken(kind byte) *Token {
	return &Token{
		done: make(chan struct{}),
		kind: kind,
	}
}

// complete resolves the token. Only the first call has any effect.
func (t *Token) complete(codes []byte, err error) {
	t.once.Do(func() {
		t.codes = codes
		t.err = err
		close(t.done)
	})
}

// Done returns a channel which is closed when the token is resolved.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the token is resolved or the context ends.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Error returns the error the token was resolved with, or nil if unresolved.
func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// ReasonCodes returns the reason codes of the acknowledgment: the granted qos per filter
// for a suback, per filter codes for a v5 unsuback, or the single code of a v5 publish ack.
func (t *Token) ReasonCodes() []byte {
	select {
	case <-t.done:
		return t.codes
	default:
		return nil
	}
}
