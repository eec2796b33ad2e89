// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongocrypt

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// dataKeyState holds the fields of a CreateDataKey context (SPEC_FULL.md
// §C.1): a minimal context requiring only a master-key descriptor, whose
// single finalize step synthesizes a new key vault document. It performs no
// KMS round trip itself; the host is responsible for encrypting the
// generated key material under the master key before inserting the
// document, exactly as it drives every other external side effect.
type dataKeyState struct {
	keyID     [16]byte
	masterKey bson.Raw
}

func (c *Context) initDataKey(opts *DataKeyOptions) error {
	if err := validateDataKeyOpts(opts); err != nil {
		return c.fail(err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return c.fail(err)
	}
	copy(c.dataKey.keyID[:], id[:])
	c.dataKey.masterKey = opts.MasterKey

	c.transition(StateReady)
	return nil
}

// dataKeyFinalize synthesizes the new key vault document: {_id: UUID,
// keyMaterial: <empty placeholder>, masterKey: <opts-provided descriptor>}.
// keyMaterial is a placeholder because encrypting it under the master key
// is a KMS round trip this core does not perform; the host must fill it in
// before inserting the document.
func (c *Context) dataKeyFinalize() (bson.Raw, error) {
	return bson.Marshal(bson.D{
		{Key: "_id", Value: bson.Binary{Subtype: uuidBinarySubtype, Data: c.dataKey.keyID[:]}},
		{Key: "keyMaterial", Value: bson.Binary{Subtype: 0x00, Data: []byte{}}},
		{Key: "masterKey", Value: c.dataKey.masterKey},
	})
}
