// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewireretry decorates a onewire.Bus with a bounded retry policy.
//
// The bus masters in this module are single-attempt by design: a missed
// presence pulse or a glitched slot fails the transaction and the caller
// decides what to do. Wrapping a bus in this package re-issues failed
// transactions a fixed number of times, but only for errors implementing
// onewire.BusError; those are transient line faults, while anything else
// (adapter failures, caller misuse) is returned unchanged. 1-wire
// transactions are idempotent at this level because every attempt starts
// with a fresh bus reset.
package onewireretry

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/onewire"
)

// New returns a bus that forwards to b, retrying each transaction up to
// attempts times on transient bus errors.
func New(b onewire.Bus, attempts int) (*Bus, error) {
	if attempts < 1 {
		return nil, errors.New("onewireretry: attempts must be at least 1")
	}
	return &Bus{bus: b, attempts: attempts}, nil
}

// Bus implements onewire.Bus by delegation with retries.
type Bus struct {
	bus      onewire.Bus
	attempts int
}

func (b *Bus) String() string {
	return fmt.Sprintf("retry{%s}", b.bus)
}

// Tx forwards the transaction, re-issuing it on transient bus errors until
// it succeeds or the attempt budget is exhausted. The last error is
// returned.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	var err error
	for i := 0; i < b.attempts; i++ {
		if err = b.bus.Tx(w, r, power); err == nil {
			return nil
		}
		if !isBusError(err) {
			return err
		}
	}
	return err
}

// Search forwards to the wrapped bus without retries.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	return b.bus.Search(alarmOnly)
}

func isBusError(err error) bool {
	var be onewire.BusError
	return errors.As(err, &be) && be.BusError()
}

var _ onewire.Bus = &Bus{}
