// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpio implements a bit-banged 1-wire bus master on a single
// GPIO pin.
//
// The pin is driven open-drain style: the master pulls the line low through
// the pin output and releases it by switching the pin to input, relying on
// the external pull-up resistor (or parasitically powered devices) to bring
// the line high. All slot timings follow the standard-speed 1-wire timing
// tables.
//
// Bit slots are tens of microseconds wide and there is no hardware framing:
// the host must not be descheduled while a bit or byte exchange is in
// progress. The Delay option exists so that a real-time-safe wait primitive
// (or a test clock) can be substituted without touching the protocol logic.
package onewiregpio

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
)

// Standard-speed slot timings.
const (
	tResetLow     = 480 * time.Microsecond // reset: drive low
	tPresenceWait = 70 * time.Microsecond  // reset: release to presence sample
	tResetTail    = 410 * time.Microsecond // reset: remainder of the slot
	tWrite1Low    = 10 * time.Microsecond  // write 1: drive low
	tWrite1High   = 55 * time.Microsecond  // write 1: drive high
	tWrite0Low    = 65 * time.Microsecond  // write 0: drive low
	tWrite0High   = 5 * time.Microsecond   // write 0: drive high
	tReadInit     = 5 * time.Microsecond   // read: drive low to start the slot
	tReadSample   = 10 * time.Microsecond  // read: release to sample point
	tReadTail     = 53 * time.Microsecond  // read: remainder of the slot
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// Delay is the microsecond-accurate wait primitive used between bus
	// edges. A nil Delay selects a busy-wait on the monotonic clock;
	// time.Sleep is too coarse for the sub-slot windows used here.
	Delay func(time.Duration)
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{}

// New returns a bus master that bit-bangs the 1-wire protocol on pin p.
//
// The returned object implements onewire.Bus. The caller owns the pin for
// the lifetime of the bus; nothing else may drive the line.
func New(p gpio.PinIO, opts *Opts) (*Bus, error) {
	if p == nil {
		return nil, errors.New("onewiregpio: pin is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{pin: p, wait: opts.Delay}
	if b.wait == nil {
		b.wait = busyWait
	}
	// Leave the line floating high so attached parasitic devices can charge.
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, err
	}
	return b, nil
}

// Bus drives a single 1-wire line through a GPIO pin and implements the
// onewire.Bus interface.
//
// Errors on the 1-wire bus (such as a missing presence pulse) implement the
// onewire.BusError interface; errors from the pin itself do not.
type Bus struct {
	mu   sync.Mutex // lock for the line while a transaction is in progress
	pin  gpio.PinIO
	wait func(time.Duration)
}

func (b *Bus) String() string {
	return "onewiregpio(" + b.pin.Name() + ")"
}

// Halt implements conn.Resource. It releases the line.
func (b *Bus) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pin.In(gpio.PullUp, gpio.NoEdge)
}

// Tx performs a bus transaction: a reset/presence exchange followed by
// sending all of w and then reading len(r) bytes.
//
// If no device answers the reset, a onewire.BusError is returned and no
// bytes are transmitted. With power set to onewire.StrongPullup the line is
// left actively driven high when Tx returns, so parasitically powered
// devices can complete a temperature conversion or a scratchpad copy; the
// next transaction releases it.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	present, err := b.reset()
	if err != nil {
		return err
	}
	if !present {
		return busError("onewiregpio: no device present")
	}
	for _, c := range w {
		if err := b.writeByte(c); err != nil {
			return err
		}
	}
	for i := range r {
		c, err := b.readByte()
		if err != nil {
			return err
		}
		r[i] = c
	}
	if power == onewire.StrongPullup {
		return b.pin.Out(gpio.High)
	}
	return nil
}

// Search is not supported: this master drives a single device and the ROM
// search arbitration is not implemented.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	return nil, errors.New("onewiregpio: search is not supported")
}

// Reset issues a reset pulse and reports whether a device answered with a
// presence pulse.
func (b *Bus) Reset() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reset()
}

// WriteBit transmits a single bit; any non-zero value is sent as a 1.
func (b *Bus) WriteBit(bit byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeBit(bit)
}

// ReadBit initiates a read slot and returns the sampled bit.
func (b *Bus) ReadBit() (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readBit()
}

// WriteByte transmits one byte, least significant bit first.
func (b *Bus) WriteByte(c byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeByte(c)
}

// ReadByte reads one byte, least significant bit first.
func (b *Bus) ReadByte() (byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readByte()
}

// WriteAddress transmits a 16-bit memory address, low byte first, as
// expected by every device command that takes an address argument.
func (b *Bus) WriteAddress(addr uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeByte(byte(addr)); err != nil {
		return err
	}
	return b.writeByte(byte(addr >> 8))
}

func (b *Bus) reset() (bool, error) {
	if err := b.pin.Out(gpio.Low); err != nil {
		return false, err
	}
	b.wait(tResetLow)
	if err := b.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return false, err
	}
	b.wait(tPresenceWait)
	present := b.pin.Read() == gpio.Low
	b.wait(tResetTail)
	return present, nil
}

func (b *Bus) writeBit(bit byte) error {
	low, high := tWrite0Low, tWrite0High
	if bit != 0 {
		low, high = tWrite1Low, tWrite1High
	}
	if err := b.pin.Out(gpio.Low); err != nil {
		return err
	}
	b.wait(low)
	if err := b.pin.Out(gpio.High); err != nil {
		return err
	}
	b.wait(high)
	return b.pin.In(gpio.PullUp, gpio.NoEdge)
}

func (b *Bus) readBit() (byte, error) {
	if err := b.pin.Out(gpio.Low); err != nil {
		return 0, err
	}
	b.wait(tReadInit)
	if err := b.pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return 0, err
	}
	b.wait(tReadSample)
	var bit byte
	if b.pin.Read() == gpio.High {
		bit = 1
	}
	b.wait(tReadTail)
	return bit, nil
}

func (b *Bus) writeByte(c byte) error {
	for i := 0; i < 8; i++ {
		if err := b.writeBit((c >> uint(i)) & 1); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) readByte() (byte, error) {
	var c byte
	for i := 0; i < 8; i++ {
		bit, err := b.readBit()
		if err != nil {
			return 0, err
		}
		c |= bit << uint(i)
	}
	return c, nil
}

// busyWait spins on the monotonic clock. time.Sleep routinely overshoots by
// more than a whole bit slot under a non-real-time scheduler.
func busyWait(d time.Duration) {
	t := time.Now()
	for time.Since(t) < d {
	}
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var _ conn.Resource = &Bus{}
var _ onewire.Bus = &Bus{}
