// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongocrypt

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/NoahStapp/libmongocrypt/bsontraversal"
	"github.com/NoahStapp/libmongocrypt/ciphertext"
	"github.com/NoahStapp/libmongocrypt/internal/merr"
)

// decryptState holds the fields specific to a decrypt Context (spec §4.6).
// A decrypt context needs neither the collinfo cache nor the markings
// service: every ciphertext blob already names its own key.
type decryptState struct {
	explicit    bool
	originalDoc bson.Raw

	// explicit-only: the single ciphertext blob extracted from {v: ...}.
	explicitBlob []byte

	decryptedDoc bson.Raw
}

func (c *Context) initDecrypt() error {
	if c.decrypt.explicit {
		return c.initExplicitDecrypt()
	}
	return c.initAutoDecrypt()
}

func (c *Context) initExplicitDecrypt() error {
	vVal, err := c.decrypt.originalDoc.LookupErr("v")
	if err != nil {
		return c.fail(merr.Wrap(merr.ClientInput, "explicit decrypt requires a 'v' field", err))
	}
	subtype, data, ok := vVal.BinaryOK()
	if !ok || subtype != 0x06 {
		return c.fail(merr.New(merr.ClientInput, "explicit decrypt requires 'v' to be a binary subtype 6 ciphertext"))
	}
	c.decrypt.explicitBlob = data

	ct, err := ciphertext.Parse(data)
	if err != nil {
		return c.fail(err)
	}
	c.broker.AddID(ct.KeyUUID)

	c.transition(c.stateFromKeyBroker())
	return nil
}

func (c *Context) initAutoDecrypt() error {
	var anyFound bool
	err := bsontraversal.Collect(c.decrypt.originalDoc, bsontraversal.MatchCiphertext, func(discriminator byte, payload []byte) error {
		anyFound = true
		ct, err := ciphertext.Parse(append([]byte{discriminator}, payload...))
		if err != nil {
			return err
		}
		c.broker.AddID(ct.KeyUUID)
		return nil
	})
	if err != nil {
		return c.fail(err)
	}

	if !anyFound {
		c.transition(StateNothingToDo)
		return nil
	}

	c.transition(c.stateFromKeyBroker())
	return nil
}

// decryptFinalize replaces every ciphertext blob with its decrypted
// plaintext. For auto decrypt, a key that failed to resolve is not a fatal
// error; the matching ciphertext element is left unchanged (spec §3's
// partial-decryption invariant). For explicit decrypt, an unresolved key is
// a fatal error.
func (c *Context) decryptFinalize() (bson.Raw, error) {
	if c.decrypt.explicit {
		plaintext, resolved, err := c.decryptBlob(c.decrypt.explicitBlob)
		if err != nil {
			return nil, err
		}
		if !resolved {
			// Unlike auto-decrypt, an explicit decrypt has no surrounding
			// document to pass the ciphertext through unchanged into.
			return nil, merr.New(merr.KeyBroker, "referenced key did not resolve; cannot decrypt")
		}
		return bson.Marshal(bson.D{{Key: "v", Value: plaintext}})
	}

	out, err := bsontraversal.Transform(c.decrypt.originalDoc, bsontraversal.MatchCiphertext, func(discriminator byte, payload []byte) (bson.RawValue, error) {
		full := append([]byte{discriminator}, payload...)
		plaintext, resolved, err := c.decryptBlob(full)
		if err != nil {
			return bson.RawValue{}, err
		}
		if !resolved {
			// Key never resolved: pass the ciphertext through unchanged.
			return rawValueOf(bson.Binary{Subtype: 0x06, Data: full})
		}
		return plaintext, nil
	})
	if err != nil {
		return nil, err
	}
	c.decrypt.decryptedDoc = out
	return out, nil
}

// decryptBlob decrypts one ciphertext blob. resolved is false — not an
// error — when the referenced key never resolved, so callers can implement
// partial decryption; any non-nil err is fatal.
func (c *Context) decryptBlob(blob []byte) (plaintext bson.RawValue, resolved bool, err error) {
	ct, err := ciphertext.Parse(blob)
	if err != nil {
		return bson.RawValue{}, false, err
	}

	material, ok := c.broker.DecryptedByID(ct.KeyUUID)
	if !ok {
		return bson.RawValue{}, false, nil
	}

	rawPlaintext, err := c.facade.AEAD.Decrypt(material, ct.Ciphertext)
	if err != nil {
		return bson.RawValue{}, false, merr.Wrap(merr.Crypto, "decryption failed", err)
	}

	vVal, err := bson.Raw(rawPlaintext).LookupErr("v")
	if err != nil {
		return bson.RawValue{}, false, merr.Wrap(merr.MalformedBSON, "decrypted plaintext missing 'v'", err)
	}
	return vVal, true, nil
}
