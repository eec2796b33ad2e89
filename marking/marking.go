// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package marking implements the codec for the encryption marking the
// external markings/query-analysis service embeds in place of a field's
// plaintext value (spec §4.2, §6).
package marking

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/NoahStapp/libmongocrypt/internal/merr"
)

// Algorithm is the encryption algorithm a marking requests.
type Algorithm int32

const (
	// Deterministic requests an algorithm that always produces the same
	// ciphertext for a given plaintext and key, enabling equality queries.
	Deterministic Algorithm = 1
	// Random requests an algorithm that never reuses an IV.
	Random Algorithm = 2
)

func (a Algorithm) valid() bool {
	return a == Deterministic || a == Random
}

// uuidBinarySubtype is the BSON binary subtype (0x04) used for UUID-valued
// binary elements, per the BSON binary subtype registry.
const uuidBinarySubtype = 0x04

// Marking is the parsed form of a marking document, shape
// {ki: UUID, a: int, iv?: bin, v: any} or {ka: string, a: int, iv?: bin, v: any}.
type Marking struct {
	HasAltName bool
	KeyID      bson.Binary   // valid only if !HasAltName
	KeyAltName bson.RawValue // valid only if HasAltName
	Algorithm  Algorithm
	IV         []byte // nil if absent
	Value      bson.RawValue
}

// Parse decodes a marking's BSON document payload (the bytes after the
// binary element's one-byte discriminator).
func Parse(payload []byte) (Marking, error) {
	doc := bson.Raw(payload)

	kiVal, kiErr := doc.LookupErr("ki")
	kaVal, kaErr := doc.LookupErr("ka")
	hasKi := kiErr == nil
	hasKa := kaErr == nil

	if hasKi == hasKa {
		return Marking{}, merr.New(merr.MalformedMarking, "malformed marking: exactly one of 'ki' or 'ka' must be set")
	}

	aVal, err := doc.LookupErr("a")
	if err != nil {
		return Marking{}, merr.Wrap(merr.MalformedMarking, "malformed marking: missing 'a'", err)
	}
	algInt, ok := aVal.Int32OK()
	if !ok {
		return Marking{}, merr.New(merr.MalformedMarking, "malformed marking: 'a' must be an int32")
	}
	alg := Algorithm(algInt)
	if !alg.valid() {
		return Marking{}, merr.New(merr.MalformedMarking, "malformed marking: unknown algorithm")
	}

	vVal, err := doc.LookupErr("v")
	if err != nil {
		return Marking{}, merr.Wrap(merr.MalformedMarking, "malformed marking: missing 'v'", err)
	}

	m := Marking{
		HasAltName: hasKa,
		Algorithm:  alg,
		Value:      vVal,
	}

	if hasKi {
		subtype, data, ok := kiVal.BinaryOK()
		if !ok || subtype != uuidBinarySubtype || len(data) != 16 {
			return Marking{}, merr.New(merr.MalformedMarking, "malformed marking: 'ki' must be a 16-byte UUID")
		}
		m.KeyID = bson.Binary{Subtype: subtype, Data: data}
	} else {
		m.KeyAltName = kaVal
	}

	if ivVal, err := doc.LookupErr("iv"); err == nil {
		_, data, ok := ivVal.BinaryOK()
		if !ok || len(data) != 16 {
			return Marking{}, merr.New(merr.MalformedMarking, "malformed marking: 'iv' must be a 16-byte buffer")
		}
		m.IV = data
	}

	return m, nil
}

// Serialize re-encodes m as a marking document in the same shape Parse
// accepts. It is used by explicit-encrypt finalize to build a synthetic
// marking from caller-supplied options before handing it to the BSON
// transform walker's mapper.
func Serialize(m Marking) ([]byte, error) {
	doc := bson.D{}
	if m.HasAltName {
		doc = append(doc, bson.E{Key: "ka", Value: m.KeyAltName})
	} else {
		doc = append(doc, bson.E{Key: "ki", Value: m.KeyID})
	}
	doc = append(doc, bson.E{Key: "a", Value: int32(m.Algorithm)})
	if m.IV != nil {
		doc = append(doc, bson.E{Key: "iv", Value: bson.Binary{Subtype: 0x00, Data: m.IV}})
	}
	doc = append(doc, bson.E{Key: "v", Value: m.Value})

	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, merr.Wrap(merr.MalformedMarking, "failed to serialize marking", err)
	}
	return b, nil
}
