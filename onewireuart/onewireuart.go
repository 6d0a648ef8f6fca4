// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewireuart implements a 1-wire bus master on a UART.
//
// A 115200 baud UART provides the timing needed to generate 1-wire read and
// write slots: one UART character per bit, where the start bit and the data
// bits shape the low pulse on the line. The reset/presence exchange runs at
// 9600 baud so the start bit stretches into a valid reset pulse. See Maxim
// application note 214, "Using a UART to Implement a 1-Wire Bus Master".
//
// Unlike a GPIO master the timing is generated in hardware, so this master
// is immune to scheduling jitter, at the cost of needing the line wired to
// both TXD (through an open-drain stage) and RXD.
package onewireuart

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

const (
	resetBaud = 9600   // start bit stretches into a 480µs class reset pulse
	dataBaud  = 115200 // one character per bit slot
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// ReadTimeout bounds the wait for the echo of each transmitted
	// character.
	ReadTimeout time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{ReadTimeout: 3 * time.Second}

// New returns a bus master driving the 1-wire line through the named
// serial device.
func New(device string, opts *Opts) (*Bus, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{device: device, timeout: opts.ReadTimeout}
	b.open = b.openPort
	p, err := b.open(dataBaud)
	if err != nil {
		return nil, fmt.Errorf("onewireuart: %w", err)
	}
	b.port = p
	return b, nil
}

// port is the subset of *serial.Port the bus uses; tests substitute a
// scripted loopback.
type port interface {
	io.ReadWriteCloser
	Flush() error
}

// Bus is a 1-wire bus master on a UART and implements the onewire.Bus
// interface.
type Bus struct {
	mu      sync.Mutex
	device  string
	timeout time.Duration
	port    port
	open    func(baud int) (port, error)
}

func (b *Bus) String() string {
	return "onewireuart(" + b.device + ")"
}

// Close closes the underlying serial port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}

// Halt implements conn.Resource.
func (b *Bus) Halt() error {
	return b.Close()
}

// Tx performs a bus transaction: reset/presence exchange, then all of w is
// written and len(r) bytes are read.
//
// The power parameter is accepted for interface compatibility but a UART
// cannot provide a strong pull-up; parasitically powered devices rely on
// the idle-high TX line.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	present, err := b.reset()
	if err != nil {
		return err
	}
	if !present {
		return busError("onewireuart: no device present")
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
	return nil
}

// Search is not supported: this master drives a single device and the ROM
// search arbitration is not implemented.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	return nil, errors.New("onewireuart: search is not supported")
}

// reset reopens the port at the reset baud rate, transmits the reset
// character and inspects the echo for a presence pulse: a device pulling
// the line low corrupts the 0xf0 read-back.
func (b *Bus) reset() (bool, error) {
	if err := b.reopen(resetBaud); err != nil {
		return false, err
	}
	if _, err := b.port.Write([]byte{0xf0}); err != nil {
		return false, err
	}
	var echo [1]byte
	if _, err := io.ReadFull(b.port, echo[:]); err != nil {
		return false, err
	}
	if err := b.reopen(dataBaud); err != nil {
		return false, err
	}
	return echo[0] != 0xf0 && echo[0] != 0xff, nil
}

func (b *Bus) reopen(baud int) error {
	if b.port != nil {
		if err := b.port.Close(); err != nil {
			return err
		}
	}
	p, err := b.open(baud)
	if err != nil {
		return err
	}
	b.port = p
	return nil
}

func (b *Bus) openPort(baud int) (port, error) {
	return serial.OpenPort(&serial.Config{
		Name:        b.device,
		Baud:        baud,
		ReadTimeout: b.timeout,
	})
}

// writeByte transmits one byte LSB first, one UART character per bit, and
// verifies each echo: a mismatch means something else drove the line.
func (b *Bus) writeByte(c byte) error {
	_ = b.port.Flush()
	var bits [8]byte
	for i := range bits {
		if c>>uint(i)&1 != 0 {
			bits[i] = 0xff
		}
	}
	if _, err := b.port.Write(bits[:]); err != nil {
		return err
	}
	var echo [8]byte
	if _, err := io.ReadFull(b.port, echo[:]); err != nil {
		return err
	}
	if echo != bits {
		return busError("onewireuart: bus contention during write")
	}
	return nil
}

// readByte generates eight read slots (0xff characters) and decodes the
// echoes: a device holding the line low clears bits of the echo.
func (b *Bus) readByte() (byte, error) {
	_ = b.port.Flush()
	slots := [8]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if _, err := b.port.Write(slots[:]); err != nil {
		return 0, err
	}
	var echo [8]byte
	if _, err := io.ReadFull(b.port, echo[:]); err != nil {
		return 0, err
	}
	var c byte
	for i, e := range echo {
		if e == 0xff {
			c |= 1 << uint(i)
		}
	}
	return c, nil
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var _ conn.Resource = &Bus{}
var _ onewire.Bus = &Bus{}
