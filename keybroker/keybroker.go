// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package keybroker implements the process-wide data-key store and the
// per-context view layered over it (spec §4.5). A context references keys
// by id or alt-name; the shared Store deduplicates fetch and KMS work
// across every context that references the same key.
package keybroker

import (
	"sync"
	"time"

	"github.com/NoahStapp/libmongocrypt/internal/merr"
)

// State is a shared entry's position in its resolution lifecycle.
type State int

const (
	// NeedsFetch means no context has yet claimed responsibility for
	// fetching this key's vault document.
	NeedsFetch State = iota
	// Fetching means the owning context is expected to feed this entry's
	// vault document via FeedDocument.
	Fetching
	// NeedsKMS means a vault document was fed and the owning context must
	// drive a KMS round trip to decrypt the key material.
	NeedsKMS
	// KMSInProgress means the owning context has taken the KMS context for
	// this entry and is awaiting the host's KMS round trip.
	KMSInProgress
	// Decrypted means key material is available and immutable.
	Decrypted
	// Failed means resolution of this entry failed permanently.
	Failed
)

// KMSContext is one outstanding KMS round trip the host must drive via
// next_kms_ctx/kms_done (spec §6).
type KMSContext struct {
	Key               string
	Provider          string
	EncryptedMaterial []byte
}

type sharedEntry struct {
	state       State
	owner       uint32
	uuid        [16]byte
	hasUUID     bool
	altNames    []string
	provider    string
	encMaterial []byte
	material    []byte
	err         error
}

func idKey(uuid [16]byte) string {
	return "id:" + string(uuid[:])
}

func nameKey(name string) string {
	return "name:" + name
}

// Store is the process-wide shared key-material cache. It is safe for
// concurrent use by many Brokers on many goroutines. Once an entry reaches
// Decrypted, its material is never mutated again.
type Store struct {
	mu      sync.Mutex
	entries map[string]*sharedEntry
	changed chan struct{}
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*sharedEntry),
		changed: make(chan struct{}),
	}
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Wait blocks until any shared entry transitions, or timeout elapses (a
// non-positive timeout blocks indefinitely).
func (s *Store) Wait(timeout time.Duration) {
	s.mu.Lock()
	ch := s.changed
	s.mu.Unlock()

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

// DecryptedByID returns the decrypted material for uuid, or ok=false if the
// key is unknown, unresolved, or its resolution failed. This is not an
// error condition at decrypt time: missing material means the ciphertext
// element is left unchanged (partial decryption).
func (s *Store) DecryptedByID(uuid [16]byte) (material []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[idKey(uuid)]
	if !found || e.state != Decrypted {
		return nil, false
	}
	return e.material, true
}

func (s *Store) ensureIDLocked(uuid [16]byte) *sharedEntry {
	key := idKey(uuid)
	e, ok := s.entries[key]
	if !ok {
		e = &sharedEntry{state: NeedsFetch, uuid: uuid, hasUUID: true}
		s.entries[key] = e
	}
	return e
}

func (s *Store) ensureNameLocked(name string) *sharedEntry {
	key := nameKey(name)
	e, ok := s.entries[key]
	if !ok {
		e = &sharedEntry{state: NeedsFetch, altNames: []string{name}}
		s.entries[key] = e
	}
	return e
}

// FeedDocument records a key vault document for the entry owned by ctxID
// identified by uuid (and, for entries referenced only by alt-name, aliases
// the alt-name's entry onto the same uuid so later lookups share state).
// The entry transitions Fetching -> NeedsKMS.
func (s *Store) FeedDocument(ctxID uint32, uuid [16]byte, altNames []string, provider string, encryptedMaterial []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ensureIDLocked(uuid)
	for _, name := range altNames {
		aliased := s.ensureNameLocked(name)
		if aliased != e {
			mergeLocked(e, aliased)
			s.entries[nameKey(name)] = e
		}
	}

	if e.owner != ctxID && e.state != NeedsFetch {
		return merr.New(merr.KeyBroker, "key document fed by non-owning context")
	}

	e.owner = ctxID
	e.provider = provider
	e.encMaterial = encryptedMaterial
	e.state = NeedsKMS
	s.notifyLocked()
	return nil
}

// mergeLocked folds dst's alt-name list into src (the canonical, id-keyed
// entry) the first time a name resolves to an id. s.mu must be held.
func mergeLocked(src, dst *sharedEntry) {
	src.altNames = append(src.altNames, dst.altNames...)
}

// FailFetch transitions every entry owned by ctxID still in Fetching to
// Failed, e.g. because the keys query itself failed outright.
func (s *Store) FailFetch(ctxID uint32, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, e := range s.entries {
		if e.state == Fetching && e.owner == ctxID {
			e.state = Failed
			e.err = cause
			changed = true
		}
	}
	if changed {
		s.notifyLocked()
	}
}

// NextKMSContext claims and returns the next NeedsKMS entry owned by ctxID,
// transitioning it to KMSInProgress. ok is false once no such entry remains.
func (s *Store) NextKMSContext(ctxID uint32) (kc KMSContext, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if e.state == NeedsKMS && e.owner == ctxID {
			e.state = KMSInProgress
			return KMSContext{Key: key, Provider: e.provider, EncryptedMaterial: e.encMaterial}, true
		}
	}
	return KMSContext{}, false
}

// CompleteKMS transitions the entry identified by kc.Key from
// KMSInProgress to Decrypted, recording material immutably.
func (s *Store) CompleteKMS(kc KMSContext, material []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[kc.Key]
	if !ok || e.state != KMSInProgress {
		return merr.New(merr.KeyBroker, "no such in-progress kms context")
	}
	e.state = Decrypted
	e.material = material
	s.notifyLocked()
	return nil
}

// FailKMS transitions the entry identified by kc.Key from KMSInProgress to
// Failed.
func (s *Store) FailKMS(kc KMSContext, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[kc.Key]
	if !ok || e.state != KMSInProgress {
		return merr.New(merr.KeyBroker, "no such in-progress kms context")
	}
	e.state = Failed
	e.err = cause
	s.notifyLocked()
	return nil
}

// ref is one key this context's Broker has registered interest in, kept in
// the order AddID/AddName were called so key ids are added to the broker
// (and surfaced to callers) in document-traversal order.
type ref struct {
	uuid    [16]byte
	hasUUID bool
	name    string
}

func (r ref) storeKey() string {
	if r.hasUUID {
		return idKey(r.uuid)
	}
	return nameKey(r.name)
}

// Broker is the per-context view over a shared Store.
type Broker struct {
	store *Store
	ctxID uint32
	refs  []ref
	seen  map[string]bool
}

// New constructs a Broker for context ctxID layered over store.
func New(store *Store, ctxID uint32) *Broker {
	return &Broker{store: store, ctxID: ctxID, seen: make(map[string]bool)}
}

// AddID registers interest in the key identified by uuid. Idempotent.
func (b *Broker) AddID(uuid [16]byte) {
	key := idKey(uuid)
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.refs = append(b.refs, ref{uuid: uuid, hasUUID: true})

	b.store.mu.Lock()
	b.store.ensureIDLocked(uuid)
	b.store.mu.Unlock()
}

// AddName registers interest in the key identified by alt-name. Idempotent.
func (b *Broker) AddName(name string) {
	key := nameKey(name)
	if b.seen[key] {
		return
	}
	b.seen[key] = true
	b.refs = append(b.refs, ref{name: name})

	b.store.mu.Lock()
	b.store.ensureNameLocked(name)
	b.store.mu.Unlock()
}

// RefKeys returns every key (by storage key) this broker has registered, in
// the order they were added.
func (b *Broker) RefKeys() []string {
	keys := make([]string, len(b.refs))
	for i, r := range b.refs {
		keys[i] = r.storeKey()
	}
	return keys
}

func (b *Broker) lookup(r ref) *sharedEntry {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.store.entries[r.storeKey()]
}

// NextCtxID returns the ctx-id of a peer context currently Fetching or
// driving KMS for one of this broker's referenced keys, or 0 if this
// broker is not blocked on any peer.
func (b *Broker) NextCtxID() uint32 {
	for _, r := range b.refs {
		e := b.lookup(r)
		if e == nil {
			continue
		}
		if (e.state == Fetching || e.state == KMSInProgress) && e.owner != b.ctxID {
			return e.owner
		}
	}
	return 0
}

// ClaimedRef identifies one key this broker just took fetch ownership of,
// in enough detail to build a key-vault query predicate (spec §4.6
// mongo_op_keys: "{_id: {$in: [...]}} OR {keyAltNames: {$in: [...]}}").
type ClaimedRef struct {
	UUID    [16]byte
	HasUUID bool
	Name    string
}

// ClaimFetch claims fetch ownership, for this broker's ctx, of every
// referenced entry still in NeedsFetch. The returned refs are exactly the
// keys this context must now look up via a single combined mongo query
// (mongo_op_keys); if empty, nothing in this broker needs fetching.
func (b *Broker) ClaimFetch() []ClaimedRef {
	var claimed []ClaimedRef
	for _, r := range b.refs {
		b.store.mu.Lock()
		e := b.store.entries[r.storeKey()]
		if e != nil && e.state == NeedsFetch {
			e.state = Fetching
			e.owner = b.ctxID
			claimed = append(claimed, ClaimedRef{UUID: r.uuid, HasUUID: r.hasUUID, Name: r.name})
		}
		b.store.mu.Unlock()
	}
	return claimed
}

// NeedsMongoKeys reports whether any referenced entry still needs a mongo
// keys query performed or awaited (NeedsFetch or Fetching by anyone).
func (b *Broker) NeedsMongoKeys() bool {
	for _, r := range b.refs {
		e := b.lookup(r)
		if e == nil || e.state == NeedsFetch || e.state == Fetching {
			return true
		}
	}
	return false
}

// NeedsKMS reports whether any referenced entry has a fetched document
// awaiting (or mid-) KMS resolution.
func (b *Broker) NeedsKMS() bool {
	for _, r := range b.refs {
		e := b.lookup(r)
		if e != nil && (e.state == NeedsKMS || e.state == KMSInProgress) {
			return true
		}
	}
	return false
}

// Ready reports whether every referenced entry has reached a terminal
// state (Decrypted or Failed).
func (b *Broker) Ready() bool {
	for _, r := range b.refs {
		e := b.lookup(r)
		if e == nil || (e.state != Decrypted && e.state != Failed) {
			return false
		}
	}
	return true
}

// DecryptedByID proxies to the shared Store.
func (b *Broker) DecryptedByID(uuid [16]byte) ([]byte, bool) {
	return b.store.DecryptedByID(uuid)
}

// ResolvedUUID returns the uuid an alt-name reference resolved to, once its
// vault document has been fetched.
func (b *Broker) ResolvedUUID(name string) ([16]byte, bool) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	e, ok := b.store.entries[nameKey(name)]
	if !ok || !e.hasUUID {
		return [16]byte{}, false
	}
	return e.uuid, true
}

// Status reports the first failure among this broker's referenced entries,
// if any.
func (b *Broker) Status() error {
	for _, r := range b.refs {
		e := b.lookup(r)
		if e != nil && e.state == Failed && e.err != nil {
			return e.err
		}
	}
	return nil
}

// FeedDocument proxies to the shared Store, passing this broker's ctxID as
// owner.
func (b *Broker) FeedDocument(uuid [16]byte, altNames []string, provider string, encryptedMaterial []byte) error {
	return b.store.FeedDocument(b.ctxID, uuid, altNames, provider, encryptedMaterial)
}

// FailFetch proxies to the shared Store.
func (b *Broker) FailFetch(cause error) {
	b.store.FailFetch(b.ctxID, cause)
}

// NextKMSContext proxies to the shared Store.
func (b *Broker) NextKMSContext() (KMSContext, bool) {
	return b.store.NextKMSContext(b.ctxID)
}

// CompleteKMS proxies to the shared Store.
func (b *Broker) CompleteKMS(kc KMSContext, material []byte) error {
	return b.store.CompleteKMS(kc, material)
}

// FailKMS proxies to the shared Store.
func (b *Broker) FailKMS(kc KMSContext, cause error) error {
	return b.store.FailKMS(kc, cause)
}

// CheckCacheAndWait attempts to reach a state where every referenced entry
// is either Decrypted/Failed or this broker is the one responsible for the
// next step. In blocking mode it waits on the shared store until that
// happens or until it becomes the owner of some unresolved entry; in
// non-blocking mode it takes one look and returns immediately.
func (b *Broker) CheckCacheAndWait(block bool) bool {
	for {
		if b.Ready() {
			return true
		}
		if b.NextCtxID() == 0 {
			// Nothing to wait on a peer for: either this context owns the
			// next step (NeedsMongoKeys/NeedsKMS) or there's genuinely
			// nothing left to do.
			return false
		}
		if !block {
			return false
		}
		b.store.Wait(0)
	}
}
