// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package ciphertext implements the wire-exact binary blob that replaces a
// marking once its plaintext has been encrypted (spec §4.1, §6).
package ciphertext

import "github.com/NoahStapp/libmongocrypt/internal/merr"

// Subtype distinguishes how a ciphertext's plaintext was selected for
// encryption.
type Subtype byte

const (
	// Deterministic ciphertexts always encrypt a given plaintext to the same
	// bytes for a given key, enabling equality queries.
	Deterministic Subtype = 1
	// Random ciphertexts never reuse an IV; two encryptions of the same
	// plaintext differ.
	Random Subtype = 2
)

// MinLength is the minimum valid length of a serialized Ciphertext:
// 1 (subtype) + 16 (key uuid) + 1 (original bson type) + 1 (ciphertext).
const MinLength = 19

// Ciphertext is the parsed form of a binary subtype-6 ciphertext blob.
// Ciphertext is a borrowed slice into the buffer Parse was called with;
// callers that need to retain it past the lifetime of that buffer must copy
// it themselves. KeyUUID is a fixed-size array, so Parse copies the 16 key
// bytes out of the buffer rather than borrowing them.
type Ciphertext struct {
	Subtype          Subtype
	KeyUUID          [16]byte
	OriginalBSONType byte
	Ciphertext       []byte
}

// Parse validates and decodes a serialized ciphertext blob. The returned
// Ciphertext's payload borrows b and is not copied; its KeyUUID is a copy.
func Parse(b []byte) (Ciphertext, error) {
	if len(b) < MinLength {
		return Ciphertext{}, merr.New(merr.MalformedCiphertext, "malformed ciphertext, too small")
	}

	subtype := Subtype(b[0])
	if subtype != Deterministic && subtype != Random {
		return Ciphertext{}, merr.New(merr.MalformedCiphertext, "expected blob subtype of 1 or 2")
	}

	var uuid [16]byte
	copy(uuid[:], b[1:17])

	return Ciphertext{
		Subtype:          subtype,
		KeyUUID:          uuid,
		OriginalBSONType: b[17],
		Ciphertext:       b[18:],
	}, nil
}

// Serialize writes c back into the wire format Parse accepts. Serialize of a
// Parse result is byte-identical to the original input.
func Serialize(c Ciphertext) []byte {
	out := make([]byte, 0, 18+len(c.Ciphertext))
	out = append(out, byte(c.Subtype))
	out = append(out, c.KeyUUID[:]...)
	out = append(out, c.OriginalBSONType)
	out = append(out, c.Ciphertext...)
	return out
}
