// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// thermochron polls a DS1921 Thermochron iButton on a 1-wire line and
// prints one CSV row per cycle: timestamp, 64-bit ROM id in hexadecimal,
// temperature in °C with one decimal.
//
// The line is driven either by bit-banging a GPIO pin (-pin) or through a
// UART (-uart). One-shot maintenance actions are available through
// -set-clock, -start-mission and -clear-memory.
//
// The process runs until killed. The exit status is non-zero only when the
// hardware layer fails to initialize; per-cycle errors are logged and the
// cycle is retried on the next tick.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/host/v3"

	"github.com/angularfish/thermochron/ds1921"
	"github.com/angularfish/thermochron/onewiregpio"
	"github.com/angularfish/thermochron/onewireretry"
	"github.com/angularfish/thermochron/onewireuart"
)

type config struct {
	Pin        string `yaml:"pin"`
	UART       string `yaml:"uart"`
	IntervalMs int    `yaml:"interval_ms"`
	Attempts   int    `yaml:"attempts"`
}

func (c *config) interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

var (
	configPath = flag.String("config", "", "YAML config file; values set in it override the flags")
	pinName    = flag.String("pin", "GPIO4", "GPIO pin wired to the 1-wire line")
	uartDev    = flag.String("uart", "", "drive the line through this serial device instead of a GPIO pin")
	interval   = flag.Duration("interval", 5*time.Minute, "polling interval")
	attempts   = flag.Int("attempts", 1, "transaction attempts per bus exchange")

	setClock     = flag.Bool("set-clock", false, "synchronize the device clock to the host clock and exit")
	startMission = flag.Int("start-mission", -1, "start a mission after this many minutes and exit")
	control      = flag.Int("control", int(ds1921.RolloverLockout), "control register value for -start-mission")
	clearMemory  = flag.Bool("clear-memory", false, "clear the mission and datalog memory and exit")
)

func loadConfig(path string) (*config, error) {
	cfg := &config{
		Pin:        *pinName,
		UART:       *uartDev,
		IntervalMs: int(interval.Milliseconds()),
		Attempts:   *attempts,
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func openBus(cfg *config) (onewire.Bus, error) {
	var bus onewire.Bus
	if cfg.UART != "" {
		b, err := onewireuart.New(cfg.UART, nil)
		if err != nil {
			return nil, err
		}
		bus = b
	} else {
		if _, err := host.Init(); err != nil {
			return nil, err
		}
		pin := gpioreg.ByName(cfg.Pin)
		if pin == nil {
			return nil, fmt.Errorf("no such pin %q", cfg.Pin)
		}
		b, err := onewiregpio.New(pin, nil)
		if err != nil {
			return nil, err
		}
		bus = b
	}
	if cfg.Attempts > 1 {
		return onewireretry.New(bus, cfg.Attempts)
	}
	return bus, nil
}

func mainImpl() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	bus, err := openBus(cfg)
	if err != nil {
		return err
	}
	if *setClock || *startMission >= 0 || *clearMemory {
		dev, err := ds1921.New(bus)
		if err != nil {
			return err
		}
		switch {
		case *setClock:
			return dev.SetClock(time.Now())
		case *startMission >= 0:
			return dev.StartMission(uint16(*startMission), ds1921.ControlFlags(*control))
		default:
			return dev.ClearMemory()
		}
	}

	fmt.Println("time, id, temperature")
	for {
		cycle(bus)
		time.Sleep(cfg.interval())
	}
}

// cycle performs one poll. Failures are logged, not fatal: an unplugged
// iButton is simply probed again on the next cycle.
func cycle(bus onewire.Bus) {
	now := time.Now().Format("2006-01-02 15:04:05")
	dev, err := ds1921.New(bus)
	if err != nil {
		glog.Errorf("connect: %s", err)
		return
	}
	id, err := dev.DeviceID()
	if err != nil {
		glog.Errorf("read rom: %s", err)
		return
	}
	temp, err := dev.ConvertTemperature()
	if err != nil {
		glog.Errorf("convert: %s", err)
		return
	}
	fmt.Printf("%s, %016x, %.1f\n", now, uint64(id), temp.Celsius())
}

func main() {
	flag.Parse()
	defer glog.Flush()
	if err := mainImpl(); err != nil {
		glog.Exitf("thermochron: %s", err)
	}
}
