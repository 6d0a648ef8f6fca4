// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds1921 controls a Dallas Semi / Maxim DS1921 Thermochron iButton,
// a battery backed temperature datalogger on a 1-wire bus.
//
// The device stages every write to persistent memory through a 32 byte
// scratchpad that has to be written, read back for verification and then
// explicitly committed, each step bracketed by a fresh bus reset. The
// driver exposes the four supported operations built on top of that
// machinery: single-shot temperature conversion, clock synchronization,
// mission start and memory clear.
//
// The driver addresses a single device with the skip-ROM selection; ROM
// search arbitration for multi-device buses is not supported. Memory reads
// use the plain read-memory command, not the CRC protected variant, so
// transfers carry no integrity check.
//
// # Datasheet
//
// https://www.analog.com/media/en/technical-documentation/data-sheets/DS1921G.pdf
package ds1921

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"
)

// ROM function commands, sent immediately after a reset.
const (
	cmdReadROM = 0x33
	cmdSkipROM = 0xcc
)

// Memory and control function commands, sent after the ROM function.
const (
	cmdWriteScratchpad = 0x0f
	cmdReadScratchpad  = 0xaa
	cmdCopyScratchpad  = 0x55
	cmdReadMemory      = 0xf0
	cmdClearMemory     = 0x3c
	cmdConvertT        = 0x44
)

// Register map.
const (
	addrClock        = 0x0200 // 7 bytes BCD: seconds through year
	addrControl      = 0x020e // control register
	addrTemperature  = 0x0211 // last single-shot conversion result
	addrMissionDelay = 0x0212 // 16-bit mission start delay, little-endian
)

// The scratchpad covers one 32 byte memory page; a staged write must not
// cross the page boundary.
const scratchpadSize = 32

// Fixed protocol delays, taken from the original userspace implementation.
// Both are shorter than the worst-case times the datasheet documents for
// some memory regions; they have not been independently verified against
// the device specification.
const (
	conversionTime = 200 * time.Microsecond
	copySettleTime = 100 * time.Microsecond
)

// ControlFlags is a bitmask of independent control register flags.
// Individual flags combine with bitwise OR.
type ControlFlags byte

const (
	// EnableOscillator and EnableMission are active low in the control
	// register: leaving the bit clear enables the function.
	EnableOscillator ControlFlags = 0x00
	EnableMission    ControlFlags = 0x00
	// EnableMemoryClear arms the clear-memory command.
	EnableMemoryClear ControlFlags = 0x40
	// RolloverLockout stops the mission log instead of wrapping around.
	RolloverLockout ControlFlags = 0x08
	// Threshold alarm enables.
	EnableTempLowAlarm  ControlFlags = 0x04
	EnableTempHighAlarm ControlFlags = 0x02
	EnableTimerAlarm    ControlFlags = 0x01
)

// ErrVerification is returned when the device echoes a scratchpad address
// or ending offset that does not match the staged write. The commit is
// skipped and the persistent memory is left untouched; there is no
// automatic retry.
var ErrVerification = errors.New("ds1921: scratchpad verification mismatch")

// New returns an object that communicates over 1-wire to a single DS1921
// selected with skip-ROM addressing.
//
// It issues a bus reset to confirm a device is present and answering.
func New(bus onewire.Bus) (*Dev, error) {
	d := &Dev{bus: bus}
	if err := bus.Tx(nil, nil, onewire.WeakPullup); err != nil {
		return nil, fmt.Errorf("ds1921: %w", err)
	}
	return d, nil
}

// Dev is a handle to a DS1921 Thermochron on a 1-wire bus.
//
// Every operation is a complete, self-contained protocol exchange: it
// begins by asserting device presence with a bus reset and leaves the bus
// in a quiescent post-reset state on completion or abort. An absent device
// surfaces as a onewire.BusError from the underlying bus.
type Dev struct {
	bus onewire.Bus
}

func (d *Dev) String() string {
	return fmt.Sprintf("DS1921{%s}", d.bus)
}

// Halt implements conn.Resource.
func (d *Dev) Halt() error {
	return nil
}

// DeviceID reads the 64-bit ROM identifier of the device.
//
// Valid only on a single-device bus: read-ROM makes every attached device
// answer at once.
func (d *Dev) DeviceID() (onewire.Address, error) {
	var buf [8]byte
	if err := d.bus.Tx([]byte{cmdReadROM}, buf[:], onewire.WeakPullup); err != nil {
		return 0, fmt.Errorf("ds1921: %w", err)
	}
	var addr onewire.Address
	for i := 7; i >= 0; i-- {
		addr = addr<<8 | onewire.Address(buf[i])
	}
	return addr, nil
}

// ConvertTemperature performs a single-shot temperature conversion and
// reads back the result.
//
// The bus is placed in strong pull-up mode during the conversion to power
// the parasitic conversion circuitry. The register decodes as
// raw/2 - 40 °C, covering -40°C to +87.5°C in 0.5°C steps.
func (d *Dev) ConvertTemperature() (physic.Temperature, error) {
	if err := d.bus.Tx([]byte{cmdSkipROM, cmdConvertT}, nil, onewire.StrongPullup); err != nil {
		return 0, fmt.Errorf("ds1921: %w", err)
	}
	sleep(conversionTime)
	var buf [1]byte
	w := []byte{cmdSkipROM, cmdReadMemory, byte(addrTemperature & 0xff), byte(addrTemperature >> 8)}
	if err := d.bus.Tx(w, buf[:], onewire.WeakPullup); err != nil {
		return 0, fmt.Errorf("ds1921: %w", err)
	}
	return decodeTemperature(buf[0]), nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	t, err := d.ConvertTemperature()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv.
func (d *Dev) SenseContinuous(time.Duration) (<-chan physic.Env, error) {
	return nil, errors.New("ds1921: not implemented")
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / 2
}

// SetClock writes t to the device's real-time clock registers as a 7 byte
// BCD block through a single write/verify/commit transaction.
func (d *Dev) SetClock(t time.Time) error {
	b := encodeClock(t)
	return d.writeMemory(addrClock, b[:])
}

// ReadClock reads the real-time clock registers and decodes them.
//
// The century flag is interpreted relative to year 2000.
func (d *Dev) ReadClock() (time.Time, error) {
	var buf [7]byte
	w := []byte{cmdSkipROM, cmdReadMemory, byte(addrClock & 0xff), byte(addrClock >> 8)}
	if err := d.bus.Tx(w, buf[:], onewire.WeakPullup); err != nil {
		return time.Time{}, fmt.Errorf("ds1921: %w", err)
	}
	return decodeClock(buf), nil
}

// StartMission arms a new logging mission.
//
// delayMinutes is the wait before the first sample. flags is the control
// register value for the mission; mission enable is active low, so passing
// only EnableMission (zero) plus the desired alarm and rollover flags is
// the common case. The control byte, three reserved zero bytes and the
// 16-bit delay are staged as one 6 byte transaction so a single commit
// writes through to the delay registers, and the exchange ends with a bus
// reset.
func (d *Dev) StartMission(delayMinutes uint16, flags ControlFlags) error {
	p := []byte{byte(flags), 0x00, 0x00, 0x00, byte(delayMinutes), byte(delayMinutes >> 8)}
	if err := d.writeMemory(addrControl, p); err != nil {
		return err
	}
	return d.quiesce()
}

// ClearMemory erases the mission log and datalog memory.
//
// The clear must first be armed by committing the memory-clear-enable flag
// to the control register; the clear-memory command itself is then issued
// in a separate reset-bracketed exchange. A verification mismatch while
// arming aborts before anything is cleared.
func (d *Dev) ClearMemory() error {
	if err := d.writeMemory(addrControl, []byte{byte(EnableMemoryClear)}); err != nil {
		return err
	}
	if err := d.bus.Tx([]byte{cmdSkipROM, cmdClearMemory}, nil, onewire.WeakPullup); err != nil {
		return fmt.Errorf("ds1921: %w", err)
	}
	return d.quiesce()
}

// writeMemory stages data at addr in the scratchpad, verifies the echoed
// address and ending offset, and commits the scratchpad to memory. Each of
// the three steps is a separate reset + skip-ROM exchange.
func (d *Dev) writeMemory(addr uint16, data []byte) error {
	if len(data) == 0 || len(data) > scratchpadSize {
		return fmt.Errorf("ds1921: invalid write length %d", len(data))
	}
	start := int(addr & 0x1f)
	if start+len(data) > scratchpadSize {
		return fmt.Errorf("ds1921: write of %d bytes at %#04x crosses the scratchpad page boundary", len(data), addr)
	}
	end := byte(start + len(data) - 1)

	w := append([]byte{cmdSkipROM, cmdWriteScratchpad, byte(addr), byte(addr >> 8)}, data...)
	if err := d.bus.Tx(w, nil, onewire.WeakPullup); err != nil {
		return fmt.Errorf("ds1921: %w", err)
	}

	var echo [3]byte
	if err := d.bus.Tx([]byte{cmdSkipROM, cmdReadScratchpad}, echo[:], onewire.WeakPullup); err != nil {
		return fmt.Errorf("ds1921: %w", err)
	}
	if echo[0] != byte(addr) || echo[1] != byte(addr>>8) || echo[2] != end {
		return ErrVerification
	}

	w = []byte{cmdSkipROM, cmdCopyScratchpad, byte(addr), byte(addr >> 8), end}
	if err := d.bus.Tx(w, nil, onewire.StrongPullup); err != nil {
		return fmt.Errorf("ds1921: %w", err)
	}
	sleep(copySettleTime)
	return nil
}

// quiesce returns the bus to a post-reset state.
func (d *Dev) quiesce() error {
	if err := d.bus.Tx(nil, nil, onewire.WeakPullup); err != nil {
		return fmt.Errorf("ds1921: %w", err)
	}
	return nil
}

func decodeTemperature(raw byte) physic.Temperature {
	// raw/2 - 40 in °C, exact in 0.5°C steps.
	return physic.ZeroCelsius + physic.Temperature(int(raw)-80)*physic.Celsius/2
}

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
