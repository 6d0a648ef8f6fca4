// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiregpio

import (
	"errors"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// simPin emulates a DS1921-style 1-wire slave attached to a GPIO pin.
//
// Time is virtual: point the bus Opts.Delay at advance so that every wait
// the master performs moves the simulated clock instead of the real one.
// The slave decodes the master's low pulses into reset pulses and bit slots
// from their duration, and answers read slots from its output shift
// register, the way a real device samples the line.
type simPin struct {
	present   bool
	rom       [8]byte
	tempRaw   byte // value latched into the temperature register by convert
	corruptES bool // echo a wrong ending offset from read scratchpad
	raw       bool // capture received bytes without interpreting them

	now     time.Duration
	driving bool       // master is driving the line
	level   gpio.Level // level driven by the master
	fellAt  time.Duration

	presenceFrom, presenceTo time.Duration
	slaveLowUntil            time.Duration

	state  simState
	inByte byte
	inBits uint
	out    []byte
	outBit uint

	addr         uint16
	argLo, argHi byte
	scratch      [32]byte
	scratchAddr  uint16
	es           byte
	nWritten     int
	mem          [0x2000]byte
	copies       int
	clears       int
	frames       [][]byte // bytes received after each reset
}

type simState int

const (
	stIdle simState = iota
	stROM
	stCmd
	stWSAddrLo
	stWSAddrHi
	stWSData
	stCSAddrLo
	stCSAddrHi
	stCSOffset
	stRMAddrLo
	stRMAddrHi
)

func (p *simPin) advance(d time.Duration) { p.now += d }

// gpio.PinIO

func (p *simPin) String() string   { return p.Name() }
func (p *simPin) Name() string     { return "SIM1W" }
func (p *simPin) Number() int      { return 1 }
func (p *simPin) Function() string { return "In/Out" }
func (p *simPin) Halt() error      { return nil }

func (p *simPin) In(gpio.Pull, gpio.Edge) error {
	if p.driving && p.level == gpio.Low {
		p.released()
	}
	p.driving = false
	return nil
}

func (p *simPin) Out(l gpio.Level) error {
	if l == gpio.Low {
		if !p.driving || p.level != gpio.Low {
			p.fellAt = p.now
		}
	} else if p.driving && p.level == gpio.Low {
		p.released()
	}
	p.driving = true
	p.level = l
	return nil
}

func (p *simPin) Read() gpio.Level {
	if p.driving {
		return p.level
	}
	if p.present && p.now >= p.presenceFrom && p.now < p.presenceTo {
		return gpio.Low
	}
	if p.now < p.slaveLowUntil {
		return gpio.Low
	}
	return gpio.High
}

func (p *simPin) WaitForEdge(time.Duration) bool        { return false }
func (p *simPin) Pull() gpio.Pull                       { return gpio.PullUp }
func (p *simPin) DefaultPull() gpio.Pull                { return gpio.PullUp }
func (p *simPin) PWM(gpio.Duty, physic.Frequency) error { return errors.New("sim: no pwm") }

var _ gpio.PinIO = &simPin{}

// Slave protocol engine.

func (p *simPin) released() {
	lowFor := p.now - p.fellAt
	if lowFor >= 400*time.Microsecond {
		if p.present {
			p.presenceFrom = p.now + 15*time.Microsecond
			p.presenceTo = p.now + 240*time.Microsecond
		}
		p.state = stROM
		p.inByte, p.inBits = 0, 0
		p.out, p.outBit = nil, 0
		p.frames = append(p.frames, nil)
		return
	}
	p.slot(lowFor)
}

func (p *simPin) slot(lowFor time.Duration) {
	if int(p.outBit) < 8*len(p.out) {
		// Read slot: present the next output bit.
		bit := (p.out[p.outBit/8] >> (p.outBit % 8)) & 1
		p.outBit++
		if bit == 0 {
			p.slaveLowUntil = p.fellAt + 30*time.Microsecond
		}
		return
	}
	bit := byte(1)
	if lowFor >= 15*time.Microsecond {
		bit = 0
	}
	p.inByte |= bit << p.inBits
	p.inBits++
	if p.inBits == 8 {
		c := p.inByte
		p.inByte, p.inBits = 0, 0
		p.feed(c)
	}
}

func (p *simPin) setOutput(b []byte) {
	p.out = b
	p.outBit = 0
}

func (p *simPin) feed(c byte) {
	if len(p.frames) == 0 {
		p.frames = append(p.frames, nil)
	}
	p.frames[len(p.frames)-1] = append(p.frames[len(p.frames)-1], c)
	if p.raw {
		return
	}
	switch p.state {
	case stROM:
		switch c {
		case 0xcc: // skip ROM
			p.state = stCmd
		case 0x33: // read ROM
			p.setOutput(p.rom[:])
			p.state = stIdle
		default:
			p.state = stIdle
		}
	case stCmd:
		switch c {
		case 0x0f: // write scratchpad
			p.state = stWSAddrLo
		case 0xaa: // read scratchpad
			es := p.es
			if p.corruptES {
				es ^= 0x01
			}
			out := []byte{byte(p.scratchAddr), byte(p.scratchAddr >> 8), es}
			start := int(p.scratchAddr & 0x1f)
			out = append(out, p.scratch[start:int(p.es)+1]...)
			p.setOutput(out)
			p.state = stIdle
		case 0x55: // copy scratchpad
			p.state = stCSAddrLo
		case 0xf0: // read memory
			p.state = stRMAddrLo
		case 0x44: // convert temperature
			p.mem[0x0211] = p.tempRaw
			p.state = stIdle
		case 0x3c: // clear memory
			p.clears++
			p.state = stIdle
		default:
			p.state = stIdle
		}
	case stWSAddrLo:
		p.addr = uint16(c)
		p.state = stWSAddrHi
	case stWSAddrHi:
		p.addr |= uint16(c) << 8
		p.scratchAddr = p.addr
		p.nWritten = 0
		p.state = stWSData
	case stWSData:
		off := int(p.addr&0x1f) + p.nWritten
		if off < len(p.scratch) {
			p.scratch[off] = c
			p.es = byte(off)
		}
		p.nWritten++
	case stCSAddrLo:
		p.argLo = c
		p.state = stCSAddrHi
	case stCSAddrHi:
		p.argHi = c
		p.state = stCSOffset
	case stCSOffset:
		if p.argLo == byte(p.scratchAddr) && p.argHi == byte(p.scratchAddr>>8) && c == p.es {
			start := int(p.scratchAddr & 0x1f)
			n := int(p.es) - start + 1
			copy(p.mem[p.scratchAddr:], p.scratch[start:start+n])
			p.copies++
		}
		p.state = stIdle
	case stRMAddrLo:
		p.addr = uint16(c)
		p.state = stRMAddrHi
	case stRMAddrHi:
		p.addr |= uint16(c) << 8
		end := int(p.addr) + 32
		if end > len(p.mem) {
			end = len(p.mem)
		}
		p.setOutput(append([]byte(nil), p.mem[p.addr:end]...))
		p.state = stIdle
	}
}

// lastFrame returns the bytes received since the most recent reset.
func (p *simPin) lastFrame() []byte {
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}
