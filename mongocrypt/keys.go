// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongocrypt

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/NoahStapp/libmongocrypt/internal/merr"
	"github.com/NoahStapp/libmongocrypt/keybroker"
)

// uuidBinarySubtype is the BSON binary subtype registry value for UUID,
// used by both _id and key_id references into the key vault collection.
const uuidBinarySubtype = 0x04

// buildKeysQuery builds the key-vault filter document for one or more
// ClaimedRef, matching by _id or keyAltNames in a single combined query
// (spec §4.6 mongo_op_keys).
func buildKeysQuery(claimed []keybroker.ClaimedRef) bson.Raw {
	var ids bson.A
	var names bson.A
	for _, r := range claimed {
		if r.HasUUID {
			ids = append(ids, bson.Binary{Subtype: uuidBinarySubtype, Data: r.UUID[:]})
		} else {
			names = append(names, r.Name)
		}
	}

	var or bson.A
	if len(ids) > 0 {
		or = append(or, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	}
	if len(names) > 0 {
		or = append(or, bson.D{{Key: "keyAltNames", Value: bson.D{{Key: "$in", Value: names}}}})
	}

	doc, err := bson.Marshal(bson.D{{Key: "$or", Value: or}})
	if err != nil {
		// bson.D built entirely from Marshal-safe scalars above; Marshal
		// only fails on unsupported types, which never occurs here.
		panic(err)
	}
	return doc
}

// parseKeyDocument extracts the fields of one key-vault document this core
// cares about (spec §4.5's "KMS provider name" and "encrypted key
// material"): _id, keyAltNames, masterKey.provider, keyMaterial.
func parseKeyDocument(doc bson.Raw) (uuid [16]byte, altNames []string, provider string, encMaterial []byte, err error) {
	idVal, err := doc.LookupErr("_id")
	if err != nil {
		return uuid, nil, "", nil, merr.Wrap(merr.MalformedBSON, "key document missing _id", err)
	}
	idSubtype, idData, ok := idVal.BinaryOK()
	if !ok || idSubtype != uuidBinarySubtype || len(idData) != 16 {
		return uuid, nil, "", nil, merr.New(merr.MalformedBSON, "key document _id must be a 16-byte UUID binary")
	}
	copy(uuid[:], idData)

	if namesVal, lerr := doc.LookupErr("keyAltNames"); lerr == nil {
		namesArr, ok := namesVal.ArrayOK()
		if !ok {
			return uuid, nil, "", nil, merr.New(merr.MalformedBSON, "keyAltNames must be an array")
		}
		vals, err := namesArr.Values()
		if err != nil {
			return uuid, nil, "", nil, merr.Wrap(merr.MalformedBSON, "malformed keyAltNames", err)
		}
		for _, v := range vals {
			name, ok := v.StringValueOK()
			if !ok {
				return uuid, nil, "", nil, merr.New(merr.MalformedBSON, "keyAltNames entries must be strings")
			}
			altNames = append(altNames, name)
		}
	}

	providerVal, err := doc.LookupErr("masterKey", "provider")
	if err != nil {
		return uuid, nil, "", nil, merr.Wrap(merr.MalformedBSON, "key document missing masterKey.provider", err)
	}
	provider, ok = providerVal.StringValueOK()
	if !ok {
		return uuid, nil, "", nil, merr.New(merr.MalformedBSON, "masterKey.provider must be a string")
	}

	materialVal, err := doc.LookupErr("keyMaterial")
	if err != nil {
		return uuid, nil, "", nil, merr.Wrap(merr.MalformedBSON, "key document missing keyMaterial", err)
	}
	_, material, ok := materialVal.BinaryOK()
	if !ok {
		return uuid, nil, "", nil, merr.New(merr.MalformedBSON, "keyMaterial must be a binary")
	}
	encMaterial = append([]byte{}, material...)

	return uuid, altNames, provider, encMaterial, nil
}
