// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongocrypt is the context state machine and its per-process
// shared handle: the driver-embeddable core of a field-level encryption
// library (spec §1, §4.6-4.8). The package performs no network or
// key-management I/O of its own; every external side effect is driven by
// the host application through the vtable surface exposed on Context.
package mongocrypt

import (
	"sync/atomic"

	"github.com/NoahStapp/libmongocrypt/collinfocache"
	"github.com/NoahStapp/libmongocrypt/internal/logger"
	"github.com/NoahStapp/libmongocrypt/keybroker"
)

// MongoCrypt is the process-wide handle owning the two shared stores every
// Context coordinates through: the collinfo cache and the key-broker shared
// store (spec §3, §5, Design Notes "Global mutable caches"). Construct one
// per process (or per test) and pass it explicitly to every Context — this
// core never reaches for a package-level singleton.
type MongoCrypt struct {
	opts *Options

	collInfo *collinfocache.Cache
	keyStore *keybroker.Store
	logger   *logger.Logger
}

// lastCtxID is the process-wide context id counter shared by every
// MongoCrypt handle.
var lastCtxID uint32

// NewMongoCrypt constructs a MongoCrypt handle from opts. A nil opts is
// equivalent to Options{}.
func NewMongoCrypt(opts *Options) *MongoCrypt {
	if opts == nil {
		opts = NewOptions()
	}

	lg := logger.New(opts.LogSink, opts.ComponentLevels)
	logger.StartPrintListener(lg)

	return &MongoCrypt{
		opts:     opts,
		collInfo: collinfocache.New(),
		keyStore: keybroker.NewStore(),
		logger:   lg,
	}
}

// newCtxID hands out a process-unique, monotonically increasing context id
// (spec §3: "Context-id is unique per process").
func (m *MongoCrypt) newCtxID() uint32 {
	return atomic.AddUint32(&lastCtxID, 1)
}
