// Package actor provides per-key serialised execution: a Group owns one
// long-lived mailbox goroutine per key, created on first use and kept
// resident. Every request against a key runs to completion before the next
// one starts, giving single-writer semantics per account and per user without
// any shared locks in the domain code.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultMailboxSize bounds how many requests may queue per key before
// senders block.
const DefaultMailboxSize = 128

// ErrClosed is returned for requests submitted after the group shut down.
var ErrClosed = errors.New("actor group is closed")

type (
	// Group routes requests to per-key mailboxes. K is the entity id type
	// and S the per-entity state built once by spawn and owned exclusively
	// by that key's goroutine.
	Group[K comparable, S any] struct {
		spawn   func(K) (S, error)
		size    int
		wg      sync.WaitGroup
		mu      sync.Mutex
		members map[K]*member[S]
		closed  bool
	}

	member[S any] struct {
		state S
		tasks chan task
		stop  chan struct{}
	}

	task struct {
		ctx context.Context
		run func(context.Context)
	}

	// GroupOption configures a Group.
	GroupOption func(*groupConfig)

	groupConfig struct {
		size int
	}
)

// WithMailboxSize overrides the per-key mailbox capacity.
func WithMailboxSize(n int) GroupOption {
	return func(c *groupConfig) { c.size = n }
}

// NewGroup builds a Group whose per-key state is produced by spawn. spawn
// runs at most once per key, on first use.
func NewGroup[K comparable, S any](spawn func(K) (S, error), opts ...GroupOption) (*Group[K, S], error) {
	if spawn == nil {
		return nil, errors.New("spawn is required")
	}
	cfg := groupConfig{size: DefaultMailboxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.size <= 0 {
		return nil, errors.New("mailbox size must be positive")
	}
	return &Group[K, S]{
		spawn:   spawn,
		size:    cfg.size,
		members: make(map[K]*member[S]),
	}, nil
}

// Do runs fn inside key's mailbox, serialised after previously queued
// requests. It blocks until fn returns, the context is cancelled, or the
// group closes.
func (g *Group[K, S]) Do(ctx context.Context, key K, fn func(context.Context, S) error) error {
	_, err := Call(ctx, g, key, func(ctx context.Context, s S) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}

// Call runs fn inside key's mailbox and returns its result. It is the typed
// form of Do for operations that produce a value.
func Call[K comparable, S, T any](ctx context.Context, g *Group[K, S], key K, fn func(context.Context, S) (T, error)) (T, error) {
	var zero T
	m, err := g.member(key)
	if err != nil {
		return zero, err
	}
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	t := task{ctx: ctx, run: func(ctx context.Context) {
		value, err := fn(ctx, m.state)
		done <- result{value, err}
	}}
	select {
	case m.tasks <- t:
	case <-m.stop:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops accepting requests, lets every mailbox drain what it already
// queued, and waits for the loops to exit.
func (g *Group[K, S]) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for _, m := range g.members {
		close(m.stop)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Group[K, S]) member(key K) (*member[S], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if m, ok := g.members[key]; ok {
		return m, nil
	}
	state, err := g.spawn(key)
	if err != nil {
		return nil, fmt.Errorf("spawn actor: %w", err)
	}
	m := &member[S]{
		state: state,
		tasks: make(chan task, g.size),
		stop:  make(chan struct{}),
	}
	g.members[key] = m
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		m.loop()
	}()
	return m, nil
}

func (m *member[S]) loop() {
	for {
		select {
		case <-m.stop:
			for {
				select {
				case t := <-m.tasks:
					t.run(t.ctx)
				default:
					return
				}
			}
		case t := <-m.tasks:
			t.run(t.ctx)
		}
	}
}
