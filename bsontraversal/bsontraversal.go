// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsontraversal implements the depth-first walk over an arbitrary
// BSON document that locates encryption markings or ciphertext blobs,
// either to collect the key ids they reference or to rewrite them in place
// (spec §4.3).
package bsontraversal

import (
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"

	"github.com/NoahStapp/libmongocrypt/internal/merr"
)

// blobBinarySubtype is the BSON binary subtype (0x06) used for both
// ciphertext blobs and markings; a one-byte discriminator inside the
// payload distinguishes the two (spec §4.3, §6).
const blobBinarySubtype = 0x06

// Filter selects which discriminator byte a binary subtype-6 element's
// payload must start with to be visited.
type Filter int

const (
	// MatchCiphertext matches payloads whose discriminator byte is 1 or 2
	// (§ciphertext.Deterministic / §ciphertext.Random).
	MatchCiphertext Filter = iota
	// MatchMarking matches payloads whose discriminator byte is 0.
	MatchMarking
)

func (f Filter) matches(discriminator byte) bool {
	switch f {
	case MatchCiphertext:
		return discriminator == 1 || discriminator == 2
	case MatchMarking:
		return discriminator == 0
	default:
		return false
	}
}

// Visitor is invoked with the one-byte discriminator and the blob payload
// that follows it, for each matching element, in document order.
type Visitor func(discriminator byte, payload []byte) error

// Collect performs a depth-first, document-order traversal of doc, invoking
// visit for every binary subtype-6 element whose discriminator matches
// filter. Documents and arrays are entered; other value types are skipped.
func Collect(doc bson.Raw, filter Filter, visit Visitor) error {
	elems, err := doc.Elements()
	if err != nil {
		return merr.Wrap(merr.MalformedBSON, "failed to iterate document elements", err)
	}

	for _, elem := range elems {
		val, err := elem.ValueErr()
		if err != nil {
			return merr.Wrap(merr.MalformedBSON, "failed to read element value", err)
		}
		if err := collectValue(val, filter, visit); err != nil {
			return err
		}
	}

	return nil
}

func collectValue(val bson.RawValue, filter Filter, visit Visitor) error {
	switch val.Type {
	case bson.TypeEmbeddedDocument:
		sub, ok := val.DocumentOK()
		if !ok {
			return merr.New(merr.MalformedBSON, "element claims to be a document but is malformed")
		}
		return Collect(sub, filter, visit)
	case bson.TypeArray:
		arr, ok := val.ArrayOK()
		if !ok {
			return merr.New(merr.MalformedBSON, "element claims to be an array but is malformed")
		}
		values, err := arr.Values()
		if err != nil {
			return merr.Wrap(merr.MalformedBSON, "failed to iterate array elements", err)
		}
		for _, v := range values {
			if err := collectValue(v, filter, visit); err != nil {
				return err
			}
		}
	case bson.TypeBinary:
		subtype, data, ok := val.BinaryOK()
		if ok && subtype == blobBinarySubtype && len(data) >= 1 && filter.matches(data[0]) {
			return visit(data[0], data[1:])
		}
	}
	return nil
}

// Mapper replaces a matched element's blob (discriminator and payload) with
// a new BSON value.
type Mapper func(discriminator byte, payload []byte) (bson.RawValue, error)

// Transform performs the same traversal as Collect but builds a new
// document: elements that don't match filter are copied verbatim; matched
// elements are replaced with mapper's output under the same field name.
func Transform(doc bson.Raw, filter Filter, mapper Mapper) (bson.Raw, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, merr.Wrap(merr.MalformedBSON, "failed to iterate document elements", err)
	}

	dst, idx := bsoncore.AppendDocumentStart(nil)
	for _, elem := range elems {
		key, err := elem.KeyErr()
		if err != nil {
			return nil, merr.Wrap(merr.MalformedBSON, "failed to read element key", err)
		}
		val, err := elem.ValueErr()
		if err != nil {
			return nil, merr.Wrap(merr.MalformedBSON, "failed to read element value", err)
		}

		newVal, err := transformValue(val, filter, mapper)
		if err != nil {
			return nil, err
		}

		dst = bsoncore.AppendValueElement(dst, key, toCoreValue(newVal))
	}

	dst, err = bsoncore.AppendDocumentEnd(dst, idx)
	if err != nil {
		return nil, merr.Wrap(merr.MalformedBSON, "failed to finish document", err)
	}

	return bson.Raw(dst), nil
}

func transformValue(val bson.RawValue, filter Filter, mapper Mapper) (bson.RawValue, error) {
	switch val.Type {
	case bson.TypeEmbeddedDocument:
		sub, ok := val.DocumentOK()
		if !ok {
			return bson.RawValue{}, merr.New(merr.MalformedBSON, "element claims to be a document but is malformed")
		}
		newDoc, err := Transform(sub, filter, mapper)
		if err != nil {
			return bson.RawValue{}, err
		}
		return bson.RawValue{Type: bson.TypeEmbeddedDocument, Value: newDoc}, nil

	case bson.TypeArray:
		arr, ok := val.ArrayOK()
		if !ok {
			return bson.RawValue{}, merr.New(merr.MalformedBSON, "element claims to be an array but is malformed")
		}
		values, err := arr.Values()
		if err != nil {
			return bson.RawValue{}, merr.Wrap(merr.MalformedBSON, "failed to iterate array elements", err)
		}

		dst, idx := bsoncore.AppendArrayStart(nil)
		for i, v := range values {
			newVal, err := transformValue(v, filter, mapper)
			if err != nil {
				return bson.RawValue{}, err
			}
			dst = bsoncore.AppendValueElement(dst, strconv.Itoa(i), toCoreValue(newVal))
		}
		dst, err = bsoncore.AppendArrayEnd(dst, idx)
		if err != nil {
			return bson.RawValue{}, merr.Wrap(merr.MalformedBSON, "failed to finish array", err)
		}
		return bson.RawValue{Type: bson.TypeArray, Value: dst}, nil

	case bson.TypeBinary:
		subtype, data, ok := val.BinaryOK()
		if ok && subtype == blobBinarySubtype && len(data) >= 1 && filter.matches(data[0]) {
			return mapper(data[0], data[1:])
		}
	}

	return val, nil
}

func toCoreValue(v bson.RawValue) bsoncore.Value {
	return bsoncore.Value{Type: v.Type, Data: v.Value}
}
