// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package merr defines the error taxonomy shared by every component of the
// encryption core.
package merr

import "fmt"

// Kind classifies an Error for programmatic dispatch. An Error's message is
// prefixed with the Kind's String form; callers that need to branch on
// category should use errors.As and inspect Kind directly rather than parse
// that prefix.
type Kind int

const (
	// ClientInput covers malformed caller arguments: bad namespaces, missing
	// required fields, option-spec violations, view collections.
	ClientInput Kind = iota
	// MalformedBSON covers BSON that cannot be traversed or decoded.
	MalformedBSON
	// MalformedCiphertext covers ciphertext blobs that fail §4.1 validation.
	MalformedCiphertext
	// MalformedMarking covers markings that fail §4.2 validation.
	MalformedMarking
	// Crypto covers failures from the crypto façade's AEAD primitive.
	Crypto
	// KeyBroker covers failures surfaced by the key broker (KMS, resolution).
	KeyBroker
	// Cache covers failures surfaced by the collinfo cache.
	Cache
)

func (k Kind) String() string {
	switch k {
	case ClientInput:
		return "client input error"
	case MalformedBSON:
		return "malformed bson"
	case MalformedCiphertext:
		return "malformed ciphertext"
	case MalformedMarking:
		return "malformed marking"
	case Crypto:
		return "crypto failure"
	case KeyBroker:
		return "key broker failure"
	case Cache:
		return "cache failure"
	default:
		return "unknown error"
	}
}

// Error is the single error type surfaced across the encryption core. It
// carries a Kind for programmatic dispatch and wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
