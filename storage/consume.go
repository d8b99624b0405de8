package storage

import (
	"context"
	"fmt"
	"time"
)

// Atomicity describes the guarantee a Consumer gives for a single key under
// concurrent consumption.
type Atomicity int

const (
	// AtomicityStrong means at most one concurrent Consume succeeds.
	AtomicityStrong Atomicity = iota
	// AtomicityWeak means Consume is a Get followed by a Delete; two
	// concurrent callers may both observe the record before either deletes.
	AtomicityWeak
)

func (a Atomicity) String() string {
	switch a {
	case AtomicityStrong:
		return "strong"
	case AtomicityWeak:
		return "weak"
	default:
		return fmt.Sprintf("Atomicity(%d)", int(a))
	}
}

// Consumer performs single-use reads against a Store. The consume strategy
// is chosen once, when the Consumer is built, from the store's capabilities.
type Consumer struct {
	store  Store
	atomic AtomicStore
}

// NewConsumer returns a Consumer for s. If s implements AtomicStore its
// Consume method is used; otherwise Get is followed by Delete.
func NewConsumer(s Store) *Consumer {
	c := &Consumer{store: s}
	if as, ok := s.(AtomicStore); ok {
		c.atomic = as
	}
	return c
}

// Atomicity reports the guarantee this Consumer provides.
func (c *Consumer) Atomicity() Atomicity {
	if c.atomic != nil {
		return AtomicityStrong
	}
	return AtomicityWeak
}

// Store returns the underlying store.
func (c *Consumer) Store() Store {
	return c.store
}

// Consume returns the record under key and removes it from the store. The
// record is removed whether or not its own expiry has passed; callers decide
// what an expired record means.
func (c *Consumer) Consume(ctx context.Context, key string) (*Record, Atomicity, error) {
	if c.atomic != nil {
		rec, err := c.atomic.Consume(ctx, key)
		return rec, AtomicityStrong, err
	}
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, AtomicityWeak, err
	}
	if err := c.store.Delete(ctx, key); err != nil {
		return nil, AtomicityWeak, err
	}
	return rec, AtomicityWeak, nil
}

// Basic hides the atomic capability of s, leaving only Get, Set and Delete.
// It models backends without find-and-delete support.
func Basic(s Store) Store {
	return basicStore{s: s}
}

type basicStore struct {
	s Store
}

func (b basicStore) Get(ctx context.Context, key string) (*Record, error) {
	return b.s.Get(ctx, key)
}

func (b basicStore) Set(ctx context.Context, key string, rec *Record, ttl time.Duration) error {
	return b.s.Set(ctx, key, rec, ttl)
}

func (b basicStore) Delete(ctx context.Context, key string) error {
	return b.s.Delete(ctx, key)
}
