package epics

import (
	"context"
	"fmt"
	"sync"
)

// PutRecord is one write seen by a SimClient.
type PutRecord struct {
	PV    string
	Value any
}

// SimClient keeps PVs in memory. Hooks run after a put and may update other
// PVs, which is how IOC side effects such as Acquire resetting are emulated.
type SimClient struct {
	mu     sync.Mutex
	values map[string]any
	hooks  map[string]func(c *SimClient, value any)
	puts   []PutRecord
	closed bool
}

func NewSimClient() *SimClient {
	return &SimClient{
		values: make(map[string]any),
		hooks:  make(map[string]func(*SimClient, any)),
	}
}

// Set stores a value without running hooks or recording a put.
func (c *SimClient) Set(pv string, value any) {
	c.mu.Lock()
	c.values[pv] = value
	c.mu.Unlock()
}

// Hook registers fn to run after every put to pv.
func (c *SimClient) Hook(pv string, fn func(c *SimClient, value any)) {
	c.mu.Lock()
	c.hooks[pv] = fn
	c.mu.Unlock()
}

func (c *SimClient) Get(ctx context.Context, pv string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrDisconnected
	}
	v, ok := c.values[pv]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownPV, pv)
	}
	return v, nil
}

func (c *SimClient) Put(ctx context.Context, pv string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.values[pv] = value
	c.puts = append(c.puts, PutRecord{PV: pv, Value: value})
	hook := c.hooks[pv]
	c.mu.Unlock()

	if hook != nil {
		hook(c, value)
	}
	return nil
}

// Puts returns every put so far, oldest first.
func (c *SimClient) Puts() []PutRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PutRecord, len(c.puts))
	copy(out, c.puts)
	return out
}

func (c *SimClient) ResetPuts() {
	c.mu.Lock()
	c.puts = nil
	c.mu.Unlock()
}

func (c *SimClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
