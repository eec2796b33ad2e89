// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongocrypt

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/NoahStapp/libmongocrypt/internal/logger"
	"github.com/NoahStapp/libmongocrypt/internal/merr"
	"github.com/NoahStapp/libmongocrypt/keybroker"
)

// State is one node of the context state machine (spec §4.6).
type State int

const (
	// StateError is terminal: every subsequent vtable call fails.
	StateError State = iota
	// StateNothingToDo is terminal: the input needed no encryption.
	StateNothingToDo
	// StateNeedMongoCollInfo means the host must run listCollections and
	// call MongoFeedCollInfo then MongoDoneCollInfo.
	StateNeedMongoCollInfo
	// StateNeedMongoMarkings means the host must invoke the markings
	// service and call MongoFeedMarkings then MongoDoneMarkings.
	StateNeedMongoMarkings
	// StateNeedMongoKeys means the host must query the key vault and call
	// MongoFeedKeys then MongoDoneKeys.
	StateNeedMongoKeys
	// StateNeedKMS means the host must drive zero or more KMS round trips
	// via NextKMSCtx/KMSFeed/KMSFail, then call KMSDone.
	StateNeedKMS
	// StateWaiting means this context is blocked on a peer context; the
	// host should call WaitDone (or poll, in cache_noblock mode).
	StateWaiting
	// StateReady means every dependency has resolved; Finalize may be
	// called.
	StateReady
	// StateDone is terminal: Finalize has produced its output.
	StateDone
)

// Kind distinguishes the three concrete context shapes. Re-expressed from
// the source's per-type vtable as a tagged variant (Design Notes
// "Vtable as open polymorphism"): each Kind's methods are implemented by
// the matching kind-specific file (encrypt.go, decrypt.go, datakey.go) and
// dispatched from here; the methods a given Kind doesn't support return a
// "not applicable" ClientInput error rather than panicking.
type Kind int

const (
	// KindEncrypt is an auto- or explicit-encrypt context.
	KindEncrypt Kind = iota
	// KindDecrypt is an auto- or explicit-decrypt context.
	KindDecrypt
	// KindCreateDataKey creates a new data key document.
	KindCreateDataKey
)

// Context drives one end-to-end encrypt, decrypt, or create-data-key
// operation through externally-driven steps (spec §3, §4.6). A Context is
// not safe for concurrent use; the owning goroutine must drive it serially.
type Context struct {
	crypt  *MongoCrypt
	id     uint32
	kind   Kind
	state  State
	status error

	// warnings accumulates non-fatal diagnostics (SPEC_FULL.md §C.3),
	// additive to the single fatal status above.
	warnings []string

	broker       *keybroker.Broker
	cacheNoBlock bool
	facade       *CryptoFacade

	encrypt *encryptState
	decrypt *decryptState
	dataKey *dataKeyState
}

// ID returns this context's process-unique id.
func (c *Context) ID() uint32 { return c.id }

// State returns the context's current state.
func (c *Context) State() State { return c.state }

// Status returns the recorded fatal error, if the context is in
// StateError.
func (c *Context) Status() error { return c.status }

// Warnings returns accumulated non-fatal diagnostics.
func (c *Context) Warnings() []string { return c.warnings }

func (c *Context) warn(msg string) {
	c.warnings = append(c.warnings, msg)
}

// fail records err as this context's terminal status and transitions to
// StateError. It always returns err, so call sites can `return c.fail(err)`.
func (c *Context) fail(err error) error {
	c.status = err
	c.state = StateError
	c.crypt.logger.Print(logger.LevelInfo, logger.ComponentContext, "context entered ERROR", "id", c.id, "error", err.Error())
	return err
}

func (c *Context) transition(s State) {
	c.state = s
	c.crypt.logger.Print(logger.LevelDebug, logger.ComponentContext, "context transition", "id", c.id, "state", int(s))
}

// checkCallable rejects vtable calls made after the context entered
// StateError, returning the recorded status without further state change.
func (c *Context) checkCallable() error {
	if c.state == StateError {
		return c.status
	}
	return nil
}

// NewEncryptContext constructs an encrypt Context. If opts.LocalSchema is
// set, the collinfo round trip is skipped and the context starts at the
// markings step. A non-nil explicitOpts selects the explicit-encrypt shape,
// which needs neither the collinfo nor the markings round trip (spec §4.6).
func (m *MongoCrypt) NewEncryptContext(opts *AutoEncryptionOptions, explicitOpts *ExplicitEncryptionOptions, msg bson.Raw) (*Context, error) {
	c := &Context{
		crypt:        m,
		id:           m.newCtxID(),
		kind:         KindEncrypt,
		cacheNoBlock: opts != nil && opts.CacheNoBlock,
		facade:       NewCryptoFacade(),
	}
	c.broker = keybroker.New(m.keyStore, c.id)
	c.encrypt = &encryptState{}

	if err := c.initEncrypt(opts, explicitOpts, msg); err != nil {
		return c, err
	}
	return c, nil
}

// NewDecryptContext constructs a decrypt Context. If explicit is true, doc
// must be shaped {v: <binary subtype 6>}; otherwise doc is an arbitrary
// reply document searched for ciphertext blobs (spec §4.6).
func (m *MongoCrypt) NewDecryptContext(explicit bool, doc bson.Raw) (*Context, error) {
	c := &Context{
		crypt:  m,
		id:     m.newCtxID(),
		kind:   KindDecrypt,
		facade: NewCryptoFacade(),
	}
	c.broker = keybroker.New(m.keyStore, c.id)
	c.decrypt = &decryptState{explicit: explicit, originalDoc: doc}

	if err := c.initDecrypt(); err != nil {
		return c, err
	}
	return c, nil
}

// NewDataKeyContext constructs a CreateDataKey Context (SPEC_FULL.md §C.1).
func (m *MongoCrypt) NewDataKeyContext(opts *DataKeyOptions) (*Context, error) {
	c := &Context{
		crypt: m,
		id:    m.newCtxID(),
		kind:  KindCreateDataKey,
	}
	c.dataKey = &dataKeyState{}

	if err := c.initDataKey(opts); err != nil {
		return c, err
	}
	return c, nil
}

// MongoOpCollInfo constructs the listCollections filter the host should run
// for an encrypt context currently in StateNeedMongoCollInfo.
func (c *Context) MongoOpCollInfo() (bson.Raw, error) {
	if err := c.checkCallable(); err != nil {
		return nil, err
	}
	if c.kind != KindEncrypt {
		return nil, merr.New(merr.ClientInput, "mongo_op_collinfo is only valid for encrypt contexts")
	}
	return c.encryptMongoOpCollInfo()
}

// MongoFeedCollInfo supplies one listCollections reply document.
func (c *Context) MongoFeedCollInfo(doc bson.Raw) error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if c.kind != KindEncrypt {
		return merr.New(merr.ClientInput, "mongo_feed_collinfo is only valid for encrypt contexts")
	}
	if err := c.encryptMongoFeedCollInfo(doc); err != nil {
		return c.fail(err)
	}
	return nil
}

// MongoDoneCollInfo signals the end of the listCollections reply stream.
func (c *Context) MongoDoneCollInfo() error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if c.kind != KindEncrypt {
		return merr.New(merr.ClientInput, "mongo_done_collinfo is only valid for encrypt contexts")
	}
	if err := c.encryptMongoDoneCollInfo(); err != nil {
		return c.fail(err)
	}
	return nil
}

// MongoOpMarkings constructs the markings-service request body.
func (c *Context) MongoOpMarkings() (bson.Raw, error) {
	if err := c.checkCallable(); err != nil {
		return nil, err
	}
	if c.kind != KindEncrypt {
		return nil, merr.New(merr.ClientInput, "mongo_op_markings is only valid for encrypt contexts")
	}
	return c.encryptMongoOpMarkings()
}

// MongoFeedMarkings supplies the markings-service reply.
func (c *Context) MongoFeedMarkings(reply bson.Raw) error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if c.kind != KindEncrypt {
		return merr.New(merr.ClientInput, "mongo_feed_markings is only valid for encrypt contexts")
	}
	if err := c.encryptMongoFeedMarkings(reply); err != nil {
		return c.fail(err)
	}
	return nil
}

// MongoDoneMarkings finalizes the markings step and advances to the key
// broker's NEED_MONGO_KEYS/NEED_KMS/READY states.
func (c *Context) MongoDoneMarkings() error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if c.kind != KindEncrypt {
		return merr.New(merr.ClientInput, "mongo_done_markings is only valid for encrypt contexts")
	}
	if err := c.encryptMongoDoneMarkings(); err != nil {
		return c.fail(err)
	}
	return nil
}

// requireBroker rejects vtable calls a CreateDataKey context has no key
// broker to service; only encrypt and decrypt contexts do.
func (c *Context) requireBroker() error {
	if c.broker == nil {
		return merr.New(merr.ClientInput, "this context has no key broker; it is not an encrypt or decrypt context")
	}
	return nil
}

// MongoOpKeys constructs the key-vault query covering this context's
// unresolved key references.
func (c *Context) MongoOpKeys() (bson.Raw, error) {
	if err := c.checkCallable(); err != nil {
		return nil, err
	}
	if err := c.requireBroker(); err != nil {
		return nil, err
	}
	claimed := c.broker.ClaimFetch()
	return buildKeysQuery(claimed), nil
}

// MongoFeedKeys supplies one key-vault document.
func (c *Context) MongoFeedKeys(doc bson.Raw) error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if err := c.requireBroker(); err != nil {
		return err
	}

	uuid, altNames, provider, encMaterial, err := parseKeyDocument(doc)
	if err != nil {
		return c.fail(err)
	}
	if err := c.broker.FeedDocument(uuid, altNames, provider, encMaterial); err != nil {
		return c.fail(merr.Wrap(merr.KeyBroker, "failed to feed key document", err))
	}
	return nil
}

// MongoDoneKeys signals the end of the key-vault reply stream: any key this
// context claimed via MongoOpKeys but was never fed a document for (the
// vault genuinely has no matching key, spec §8's "keys' ⊂ required_keys"
// partial-resolution scenario) is settled as failed so it stops blocking
// NeedsMongoKeys forever, then recomputes this context's state from the key
// broker.
func (c *Context) MongoDoneKeys() error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if err := c.requireBroker(); err != nil {
		return err
	}
	c.broker.FailFetch(merr.New(merr.KeyBroker, "key not found in key vault"))
	c.transition(c.stateFromKeyBroker())
	return nil
}

// NextKMSCtx returns the next outstanding KMS round trip this context must
// drive, or ok=false once exhausted.
func (c *Context) NextKMSCtx() (keybroker.KMSContext, bool) {
	if c.broker == nil || c.state == StateError {
		return keybroker.KMSContext{}, false
	}
	return c.broker.NextKMSContext()
}

// KMSFeed supplies the decrypted key material for kc.
func (c *Context) KMSFeed(kc keybroker.KMSContext, decryptedMaterial []byte) error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if err := c.requireBroker(); err != nil {
		return err
	}
	if err := c.broker.CompleteKMS(kc, decryptedMaterial); err != nil {
		return c.fail(merr.Wrap(merr.KeyBroker, "failed to feed kms result", err))
	}
	return nil
}

// KMSFail records that kc's round trip failed. Per spec §3's partial
// decryption invariant, a failed key resolution does not fail the whole
// context at decrypt time; it only fails encrypt, which always needs every
// referenced key.
func (c *Context) KMSFail(kc keybroker.KMSContext, cause error) error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if err := c.requireBroker(); err != nil {
		return err
	}
	if err := c.broker.FailKMS(kc, cause); err != nil {
		return c.fail(merr.Wrap(merr.KeyBroker, "failed to record kms failure", err))
	}
	return nil
}

// KMSDone signals the end of the KMS round-trip iteration and recomputes
// this context's state from the key broker.
func (c *Context) KMSDone() error {
	if err := c.checkCallable(); err != nil {
		return err
	}
	if err := c.requireBroker(); err != nil {
		return err
	}
	c.transition(c.stateFromKeyBroker())
	return nil
}

// stateFromKeyBroker maps the key broker's resolution progress onto the
// context states NEED_MONGO_KEYS, NEED_KMS, and READY (spec §4.6 step 7).
func (c *Context) stateFromKeyBroker() State {
	if c.broker.NeedsMongoKeys() {
		return StateNeedMongoKeys
	}
	if c.broker.NeedsKMS() {
		return StateNeedKMS
	}
	return StateReady
}

// WaitDone blocks (unless cache_noblock is set, in which case it returns
// immediately with the current snapshot) until this context is no longer
// waiting on a peer, then returns the resulting state (spec §4.6, §5).
func (c *Context) WaitDone() (State, error) {
	if err := c.checkCallable(); err != nil {
		return c.state, err
	}

	if c.kind == KindEncrypt && c.encrypt.waitingForCollInfo {
		return c.encryptWaitDoneCollInfo()
	}
	if c.broker == nil {
		return c.state, nil
	}

	block := !c.cacheNoBlock
	c.broker.CheckCacheAndWait(block)
	c.transition(c.stateFromKeyBroker())
	return c.state, nil
}

// NextDependentCtxID returns the ctx-id the host should prioritize running
// to unblock this context: either the collinfo cache owner (cleared after
// being returned once) or the key broker's next blocking peer, or 0 if
// this context depends on no one.
func (c *Context) NextDependentCtxID() uint32 {
	if c.kind == KindEncrypt && c.encrypt.waitingForCollInfo {
		owner := c.encrypt.collInfoOwner
		c.encrypt.collInfoOwner = 0
		return owner
	}
	if c.broker == nil {
		return 0
	}
	return c.broker.NextCtxID()
}

// Finalize produces this context's output document and transitions to
// StateDone. It is only valid from StateReady or StateNothingToDo.
func (c *Context) Finalize() (bson.Raw, error) {
	if err := c.checkCallable(); err != nil {
		return nil, err
	}
	if c.state != StateReady && c.state != StateNothingToDo {
		return nil, c.fail(merr.New(merr.ClientInput, "finalize called before this context reached READY or NOTHING_TO_DO"))
	}

	var out bson.Raw
	var err error
	switch c.kind {
	case KindEncrypt:
		out, err = c.encryptFinalize()
	case KindDecrypt:
		out, err = c.decryptFinalize()
	case KindCreateDataKey:
		out, err = c.dataKeyFinalize()
	}
	if err != nil {
		return nil, c.fail(err)
	}

	c.transition(StateDone)
	return out, nil
}

// Cleanup releases this context's cache ownership. It is idempotent and
// safe to call from StateError (spec §4.6, §5).
func (c *Context) Cleanup() {
	if c.kind == KindEncrypt {
		c.crypt.collInfo.RemoveByOwner(c.id)
	}
}
