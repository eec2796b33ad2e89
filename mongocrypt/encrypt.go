// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongocrypt

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/NoahStapp/libmongocrypt/bsontraversal"
	"github.com/NoahStapp/libmongocrypt/ciphertext"
	"github.com/NoahStapp/libmongocrypt/collinfocache"
	"github.com/NoahStapp/libmongocrypt/internal/merr"
	"github.com/NoahStapp/libmongocrypt/marking"
)

// encryptState holds the fields specific to an encrypt Context (spec §4.6),
// covering both the non-explicit (auto) and explicit shapes.
type encryptState struct {
	explicit bool

	// non-explicit fields.
	ns                 string
	collName           string
	schema             bson.Raw // nil once resolved means "no schema, nothing to do"
	originalCmd        bson.Raw
	markedCmd          bson.Raw
	collInfoFed        bool
	waitingForCollInfo bool
	collInfoOwner      uint32

	// explicit fields.
	explicitValue bson.RawValue

	// shared output.
	encryptedCmd bson.Raw
}

func (c *Context) initEncrypt(opts *AutoEncryptionOptions, explicitOpts *ExplicitEncryptionOptions, msg bson.Raw) error {
	if explicitOpts != nil {
		return c.initExplicitEncrypt(explicitOpts, msg)
	}
	return c.initAutoEncrypt(opts, msg)
}

func (c *Context) initExplicitEncrypt(opts *ExplicitEncryptionOptions, msg bson.Raw) error {
	if err := validateExplicitEncryptOpts(opts); err != nil {
		return c.fail(err)
	}

	vVal, err := msg.LookupErr("v")
	if err != nil {
		return c.fail(merr.Wrap(merr.ClientInput, "explicit encrypt requires a 'v' field", err))
	}

	c.encrypt.explicit = true
	c.encrypt.explicitValue = vVal

	m := marking.Marking{Algorithm: opts.Algorithm, Value: vVal}
	if opts.KeyID != nil {
		c.broker.AddID(*opts.KeyID)
		m.KeyID = bson.Binary{Subtype: 0x04, Data: opts.KeyID[:]}
	} else {
		c.broker.AddName(*opts.KeyAltName)
		m.HasAltName = true
		nameVal, err := rawValueOf(*opts.KeyAltName)
		if err != nil {
			return c.fail(err)
		}
		m.KeyAltName = nameVal
	}
	if opts.IV != nil {
		m.IV = opts.IV[:]
	}

	payload, err := marking.Serialize(m)
	if err != nil {
		return c.fail(err)
	}
	c.encrypt.markedCmd = append([]byte{0}, payload...) // discriminator 0: marking

	c.transition(c.stateFromKeyBroker())
	return nil
}

// rawValueOf wraps v (any type bson.Marshal accepts) in a single-field
// document and looks it back up, the idiom this package uses whenever a
// bson.RawValue must be synthesized from a plain Go value.
func rawValueOf(v interface{}) (bson.RawValue, error) {
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return bson.RawValue{}, merr.Wrap(merr.MalformedBSON, "failed to encode value", err)
	}
	rv, err := bson.Raw(doc).LookupErr("v")
	if err != nil {
		return bson.RawValue{}, merr.Wrap(merr.MalformedBSON, "failed to look up encoded value", err)
	}
	return rv, nil
}

// booleanField looks up name in doc and returns its value with ok=true only
// if the field is present and holds a BSON boolean; a missing or
// non-boolean field reports ok=false so callers can tell "absent" apart
// from "present and false".
func booleanField(doc bson.Raw, name string) (value bool, ok bool) {
	val, err := doc.LookupErr(name)
	if err != nil {
		return false, false
	}
	return val.BooleanOK()
}

func (c *Context) initAutoEncrypt(opts *AutoEncryptionOptions, msg bson.Raw) error {
	if opts == nil {
		opts = AutoEncryption()
	}
	if err := validateAutoEncryptOpts(opts); err != nil {
		return c.fail(err)
	}
	if !strings.Contains(opts.Namespace, ".") {
		return c.fail(merr.New(merr.ClientInput, "namespace must be of the form db.collection"))
	}

	c.encrypt.ns = opts.Namespace
	c.encrypt.collName = opts.Namespace[strings.IndexByte(opts.Namespace, '.')+1:]
	c.encrypt.originalCmd = msg

	if opts.LocalSchema != nil {
		c.encrypt.schema = opts.LocalSchema
		c.transition(StateNeedMongoMarkings)
		return nil
	}

	return c.tryCollInfoFromCache()
}

// tryCollInfoFromCache is the idempotent step the spec leaves as an open
// question whether to re-run on every WaitDone wakeup; this core re-runs it
// every time (both from init and from encryptWaitDoneCollInfo), since a
// no-op re-check of an owned or resolved entry is cheap and avoids having
// to track "have I already looked" as separate state.
func (c *Context) tryCollInfoFromCache() error {
	doc, state, owner, err := c.crypt.collInfo.GetOrCreate(c.encrypt.ns, c.id)
	if err != nil {
		return c.fail(merr.Wrap(merr.Cache, "collinfo cache lookup failed", err))
	}

	switch state {
	case collinfocache.Done:
		c.encrypt.schema = doc
		c.encrypt.waitingForCollInfo = false
		if doc == nil {
			c.transition(StateNothingToDo)
		} else {
			c.transition(StateNeedMongoMarkings)
		}
	case collinfocache.Failed:
		return c.fail(merr.Wrap(merr.Cache, "collinfo fetch failed", err))
	default: // Pending
		if owner == c.id {
			c.encrypt.waitingForCollInfo = false
			c.transition(StateNeedMongoCollInfo)
		} else {
			c.encrypt.waitingForCollInfo = true
			c.encrypt.collInfoOwner = owner
			c.transition(StateWaiting)
		}
	}
	return nil
}

func (c *Context) encryptMongoOpCollInfo() (bson.Raw, error) {
	doc, err := bson.Marshal(bson.D{{Key: "name", Value: c.encrypt.collName}})
	if err != nil {
		return nil, merr.Wrap(merr.MalformedBSON, "failed to build listCollections filter", err)
	}
	return doc, nil
}

// encryptMongoFeedCollInfo validates one listCollections reply document:
// views cannot be auto-encrypted, and only a bare $jsonSchema validator
// (with no sibling keys) is accepted, per CDRIVER-3096.
func (c *Context) encryptMongoFeedCollInfo(doc bson.Raw) error {
	if typeVal, err := doc.LookupErr("type"); err == nil {
		if s, ok := typeVal.StringValueOK(); ok && s == "view" {
			return merr.New(merr.ClientInput, "cannot auto-encrypt a view namespace")
		}
	}

	validatorVal, err := doc.LookupErr("options", "validator")
	if err != nil {
		// No validator at all: this collection has no schema.
		c.encrypt.collInfoFed = true
		return nil
	}
	validator, ok := validatorVal.DocumentOK()
	if !ok {
		return merr.New(merr.MalformedBSON, "options.validator must be a document")
	}

	elems, err := validator.Elements()
	if err != nil {
		return merr.Wrap(merr.MalformedBSON, "failed to iterate validator", err)
	}
	if len(elems) != 1 {
		return merr.New(merr.ClientInput, "options.validator must contain only $jsonSchema")
	}
	key, err := elems[0].KeyErr()
	if err != nil || key != "$jsonSchema" {
		return merr.New(merr.ClientInput, "options.validator must contain only $jsonSchema")
	}
	schemaVal, err := elems[0].ValueErr()
	if err != nil {
		return merr.Wrap(merr.MalformedBSON, "malformed $jsonSchema", err)
	}
	schemaDoc, ok := schemaVal.DocumentOK()
	if !ok {
		return merr.New(merr.MalformedBSON, "$jsonSchema must be a document")
	}

	c.encrypt.schema = schemaDoc
	c.encrypt.collInfoFed = true
	return nil
}

func (c *Context) encryptMongoDoneCollInfo() error {
	if err := c.crypt.collInfo.AddCopy(c.encrypt.ns, c.encrypt.schema, c.id); err != nil {
		return merr.Wrap(merr.Cache, "failed to publish collinfo", err)
	}
	if c.encrypt.schema == nil {
		c.transition(StateNothingToDo)
	} else {
		c.transition(StateNeedMongoMarkings)
	}
	return nil
}

func (c *Context) encryptMongoOpMarkings() (bson.Raw, error) {
	doc, err := bson.Marshal(bson.D{
		{Key: "cmd", Value: c.encrypt.originalCmd},
		{Key: "jsonSchema", Value: c.encrypt.schema},
	})
	if err != nil {
		return nil, merr.Wrap(merr.MalformedBSON, "failed to build markings request", err)
	}
	return doc, nil
}

// encryptMongoFeedMarkings accepts the markings service's reply, shape
// {schemaRequiresEncryption: bool, hasEncryptedPlaceholders: bool, result:
// <marked command document>}, and registers every key it references with
// this context's key broker. Per spec §4.6 step 6, when the schema doesn't
// require encryption or the service found no placeholders to mark, the
// command is passed through unchanged and result may be absent entirely.
func (c *Context) encryptMongoFeedMarkings(reply bson.Raw) error {
	if requires, ok := booleanField(reply, "schemaRequiresEncryption"); ok && !requires {
		c.encrypt.markedCmd = c.encrypt.originalCmd
		return nil
	}
	if hasPlaceholders, ok := booleanField(reply, "hasEncryptedPlaceholders"); ok && !hasPlaceholders {
		c.encrypt.markedCmd = c.encrypt.originalCmd
		return nil
	}

	resultVal, err := reply.LookupErr("result")
	if err != nil {
		return merr.Wrap(merr.MalformedBSON, "markings reply missing 'result'", err)
	}
	result, ok := resultVal.DocumentOK()
	if !ok {
		return merr.New(merr.MalformedBSON, "markings reply 'result' must be a document")
	}
	c.encrypt.markedCmd = result

	err = bsontraversal.Collect(result, bsontraversal.MatchMarking, func(discriminator byte, payload []byte) error {
		m, err := marking.Parse(payload)
		if err != nil {
			return err
		}
		if m.HasAltName {
			name, ok := m.KeyAltName.StringValueOK()
			if !ok {
				return merr.New(merr.MalformedMarking, "marking key_alt_name must be a string")
			}
			c.broker.AddName(name)
		} else {
			var uuid [16]byte
			copy(uuid[:], m.KeyID.Data)
			c.broker.AddID(uuid)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return nil
}

func (c *Context) encryptMongoDoneMarkings() error {
	c.transition(c.stateFromKeyBroker())
	return nil
}

// encryptWaitDoneCollInfo re-polls the collinfo cache on behalf of a context
// parked in StateWaiting for another context's listCollections fetch.
func (c *Context) encryptWaitDoneCollInfo() (State, error) {
	block := !c.cacheNoBlock
	for {
		if err := c.tryCollInfoFromCache(); err != nil {
			return c.state, err
		}
		if c.state != StateWaiting {
			return c.state, nil
		}
		if !block {
			return c.state, nil
		}
		c.crypt.collInfo.Wait(0)
	}
}

// encryptFinalize replaces every marking in the marked command with its
// resolved ciphertext (non-explicit) or returns the single resolved
// ciphertext blob (explicit).
func (c *Context) encryptFinalize() (bson.Raw, error) {
	if c.encrypt.explicit {
		payload := c.encrypt.markedCmd[1:] // strip discriminator
		m, err := marking.Parse(payload)
		if err != nil {
			return nil, err
		}
		blob, err := c.encryptMarking(m)
		if err != nil {
			return nil, err
		}
		return bson.Marshal(bson.D{{Key: "v", Value: bson.Binary{Subtype: 0x06, Data: blob}}})
	}

	if c.encrypt.schema == nil {
		return c.encrypt.originalCmd, nil
	}

	out, err := bsontraversal.Transform(c.encrypt.markedCmd, bsontraversal.MatchMarking, func(discriminator byte, payload []byte) (bson.RawValue, error) {
		m, err := marking.Parse(payload)
		if err != nil {
			return bson.RawValue{}, err
		}
		blob, err := c.encryptMarking(m)
		if err != nil {
			return bson.RawValue{}, err
		}
		return rawValueOf(bson.Binary{Subtype: 0x06, Data: blob})
	})
	if err != nil {
		return nil, err
	}
	c.encrypt.encryptedCmd = out
	return out, nil
}

// encryptMarking resolves m's key and algorithm into a serialized
// ciphertext blob, ready to be the data of a binary subtype-6 element; its
// first byte is the blob subtype, which doubles as the discriminator.
func (c *Context) encryptMarking(m marking.Marking) ([]byte, error) {
	var uuid [16]byte
	if m.HasAltName {
		name, _ := m.KeyAltName.StringValueOK()
		resolved, ok := c.broker.ResolvedUUID(name)
		if !ok {
			return nil, merr.New(merr.KeyBroker, "key alt name did not resolve to a key id")
		}
		uuid = resolved
	} else {
		copy(uuid[:], m.KeyID.Data)
	}

	material, ok := c.broker.DecryptedByID(uuid)
	if !ok {
		return nil, merr.New(merr.KeyBroker, "referenced key did not resolve; encryption requires every key")
	}

	plaintext, err := bson.Marshal(bson.D{{Key: "v", Value: m.Value}})
	if err != nil {
		return nil, merr.Wrap(merr.MalformedBSON, "failed to encode marking value", err)
	}

	var iv []byte
	if m.Algorithm == marking.Deterministic {
		if m.IV == nil {
			return nil, merr.New(merr.MalformedMarking, "deterministic algorithm requires an iv")
		}
		iv = m.IV
	}

	encrypted, err := c.facade.AEAD.Encrypt(material, plaintext, iv)
	if err != nil {
		return nil, merr.Wrap(merr.Crypto, "encryption failed", err)
	}

	ct := ciphertext.Ciphertext{
		Subtype:          ciphertext.Subtype(m.Algorithm),
		KeyUUID:          uuid,
		OriginalBSONType: byte(m.Value.Type),
		Ciphertext:       encrypted,
	}
	return ciphertext.Serialize(ct), nil
}
