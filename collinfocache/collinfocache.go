// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package collinfocache implements the process-wide, namespace-keyed cache
// of listCollections replies with single-fetcher coordination (spec §4.4).
// One context performs the out-of-band fetch for a namespace; every other
// context that asks for the same namespace waits on the same entry instead
// of issuing a duplicate fetch.
package collinfocache

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/NoahStapp/libmongocrypt/internal/merr"
)

// State is the lifecycle of a cache entry.
type State int

const (
	// Pending means some context owns the entry and is expected to fetch it.
	Pending State = iota
	// Done means the entry holds a fetched document.
	Done
	// Failed means the owning context's fetch failed.
	Failed
)

type entry struct {
	state State
	owner uint32
	doc   bson.Raw
	err   error
}

// Cache is the shared, namespace-keyed collinfo store. It is safe for
// concurrent use by many contexts on many goroutines.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	changed chan struct{}
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		changed: make(chan struct{}),
	}
}

// GetOrCreate is the cache's single entry point, atomic with respect to
// other callers. If no entry exists for key, it creates one owned by
// ctxID and returns (nil, Pending, ctxID). If a Pending entry exists, it
// returns the existing owner. If Done, it returns a copy of the cached
// document. If Failed, it returns the recorded error.
func (c *Cache) GetOrCreate(key string, ctxID uint32) (doc bson.Raw, state State, owner uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.entries[key] = &entry{state: Pending, owner: ctxID}
		return nil, Pending, ctxID, nil
	}

	switch e.state {
	case Pending:
		return nil, Pending, e.owner, nil
	case Done:
		return append(bson.Raw(nil), e.doc...), Done, 0, nil
	default: // Failed
		return nil, Failed, 0, e.err
	}
}

// AddCopy transitions key's entry from Pending to Done. Only the pending
// owner may do so; a mismatched owner returns an error and leaves the
// entry unchanged.
func (c *Cache) AddCopy(key string, doc bson.Raw, ctxID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state != Pending || e.owner != ctxID {
		return merr.New(merr.Cache, "not owner")
	}

	e.state = Done
	e.doc = append(bson.Raw(nil), doc...)
	c.notifyLocked()
	return nil
}

// Fail transitions key's entry from Pending to Failed, recording cause so
// future GetOrCreate calls surface it. Only the pending owner may do so.
func (c *Cache) Fail(key string, ctxID uint32, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state != Pending || e.owner != ctxID {
		return merr.New(merr.Cache, "not owner")
	}

	e.state = Failed
	e.err = cause
	c.notifyLocked()
	return nil
}

// RemoveByOwner drops any Pending entry owned by ctxID, e.g. on context
// cleanup. Waiters are woken and will re-poll via GetOrCreate, at which
// point one of them becomes the new owner.
func (c *Cache) RemoveByOwner(ctxID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for key, e := range c.entries {
		if e.state == Pending && e.owner == ctxID {
			delete(c.entries, key)
			changed = true
		}
	}
	if changed {
		c.notifyLocked()
	}
}

// Wait blocks until any Pending entry transitions, or timeout elapses (a
// non-positive timeout blocks indefinitely). Callers in noblock mode should
// not call Wait; they should instead poll via GetOrCreate.
func (c *Cache) Wait(timeout time.Duration) {
	c.mu.Lock()
	ch := c.changed
	c.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}

// notifyLocked wakes every goroutine blocked in Wait. c.mu must be held.
func (c *Cache) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}
