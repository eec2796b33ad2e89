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
	"github.com/NoahStapp/libmongocrypt/marking"
)

// Options configures a MongoCrypt handle.
type Options struct {
	LogSink         logger.LogSink
	ComponentLevels map[logger.Component]logger.Level
	KMSProviders    map[string]interface{}
}

// NewOptions returns an empty *Options.
func NewOptions() *Options {
	return &Options{}
}

// SetLogSink sets the LogSink every subsystem logs through.
func (o *Options) SetLogSink(sink logger.LogSink) *Options {
	o.LogSink = sink
	return o
}

// SetComponentLevels sets the per-component log level overrides.
func (o *Options) SetComponentLevels(levels map[logger.Component]logger.Level) *Options {
	o.ComponentLevels = levels
	return o
}

// SetKMSProviders sets the opaque, never-interpreted-by-the-core KMS
// provider credentials the host will use when driving KMS round trips.
func (o *Options) SetKMSProviders(providers map[string]interface{}) *Options {
	o.KMSProviders = providers
	return o
}

// AutoEncryptionOptions configures a non-explicit encrypt Context.
type AutoEncryptionOptions struct {
	Namespace    string
	LocalSchema  bson.Raw
	CacheNoBlock bool
}

// AutoEncryption returns a new *AutoEncryptionOptions.
func AutoEncryption() *AutoEncryptionOptions {
	return &AutoEncryptionOptions{}
}

// SetNamespace sets the "db.coll" namespace of the command being encrypted.
func (o *AutoEncryptionOptions) SetNamespace(ns string) *AutoEncryptionOptions {
	o.Namespace = ns
	return o
}

// SetLocalSchema supplies a JSON schema directly, skipping the
// NEED_MONGO_COLLINFO step.
func (o *AutoEncryptionOptions) SetLocalSchema(schema bson.Raw) *AutoEncryptionOptions {
	o.LocalSchema = schema
	return o
}

// SetCacheNoBlock sets whether this context polls the collinfo cache
// instead of blocking in WaitDone.
func (o *AutoEncryptionOptions) SetCacheNoBlock(noBlock bool) *AutoEncryptionOptions {
	o.CacheNoBlock = noBlock
	return o
}

// MergeAutoEncryptionOptions combines opts in a last-one-wins fashion.
func MergeAutoEncryptionOptions(opts ...*AutoEncryptionOptions) *AutoEncryptionOptions {
	merged := AutoEncryption()
	for _, o := range opts {
		if o == nil {
			continue
		}
		if o.Namespace != "" {
			merged.Namespace = o.Namespace
		}
		if o.LocalSchema != nil {
			merged.LocalSchema = o.LocalSchema
		}
		merged.CacheNoBlock = o.CacheNoBlock
	}
	return merged
}

// ExplicitEncryptionOptions configures an explicit encrypt Context.
type ExplicitEncryptionOptions struct {
	KeyID      *[16]byte
	KeyAltName *string
	Algorithm  marking.Algorithm
	IV         *[16]byte
}

// ExplicitEncryption returns a new *ExplicitEncryptionOptions.
func ExplicitEncryption() *ExplicitEncryptionOptions {
	return &ExplicitEncryptionOptions{}
}

// SetKeyID sets the data key's UUID.
func (o *ExplicitEncryptionOptions) SetKeyID(keyID [16]byte) *ExplicitEncryptionOptions {
	o.KeyID = &keyID
	return o
}

// SetKeyAltName identifies a data key by alt-name instead of UUID.
func (o *ExplicitEncryptionOptions) SetKeyAltName(name string) *ExplicitEncryptionOptions {
	o.KeyAltName = &name
	return o
}

// SetAlgorithm sets the encryption algorithm. Required.
func (o *ExplicitEncryptionOptions) SetAlgorithm(alg marking.Algorithm) *ExplicitEncryptionOptions {
	o.Algorithm = alg
	return o
}

// SetIV sets an explicit IV. Optional.
func (o *ExplicitEncryptionOptions) SetIV(iv [16]byte) *ExplicitEncryptionOptions {
	o.IV = &iv
	return o
}

// DataKeyOptions configures a CreateDataKey Context.
type DataKeyOptions struct {
	MasterKey bson.Raw
}

// DataKey returns a new *DataKeyOptions.
func DataKey() *DataKeyOptions {
	return &DataKeyOptions{}
}

// SetMasterKey sets the KMS master-key descriptor. Required.
func (o *DataKeyOptions) SetMasterKey(masterKey bson.Raw) *DataKeyOptions {
	o.MasterKey = masterKey
	return o
}

// optSpec is one entry of the per-context-type opts matrix (spec §4.7, §6).
type optSpec int

const (
	prohibited optSpec = iota
	required
	optional
)

func checkOpt(name string, spec optSpec, isSet bool) error {
	switch spec {
	case prohibited:
		if isSet {
			return merr.New(merr.ClientInput, name+" must not be set for this context type")
		}
	case required:
		if !isSet {
			return merr.New(merr.ClientInput, name+" is required for this context type")
		}
	}
	return nil
}

// validateAutoEncryptOpts applies the "encrypt (auto)" row of §6's matrix:
// masterkey/key_descriptor/iv/algorithm prohibited, schema optional.
func validateAutoEncryptOpts(opts *AutoEncryptionOptions) error {
	// Namespace validity (must contain '.') is checked by the context's
	// Init, not here, since it isn't part of the opts matrix.
	return checkOpt("schema", optional, opts.LocalSchema != nil)
}

// validateExplicitEncryptOpts applies the "encrypt (explicit)" row:
// key_descriptor and algorithm required, iv optional, masterkey/schema
// prohibited (schema isn't representable on ExplicitEncryptionOptions so
// it's trivially satisfied).
func validateExplicitEncryptOpts(opts *ExplicitEncryptionOptions) error {
	hasKeyID := opts.KeyID != nil
	hasKeyAltName := opts.KeyAltName != nil
	if hasKeyID == hasKeyAltName {
		return merr.New(merr.ClientInput, "exactly one of key_id or key_alt_name must be set")
	}
	if err := checkOpt("algorithm", required, opts.Algorithm != 0); err != nil {
		return err
	}
	return checkOpt("iv", optional, opts.IV != nil)
}

// validateDataKeyOpts applies the "create-data-key" row: masterkey
// required, everything else prohibited (not representable on
// DataKeyOptions, so trivially satisfied).
func validateDataKeyOpts(opts *DataKeyOptions) error {
	return checkOpt("masterkey", required, opts.MasterKey != nil)
}
