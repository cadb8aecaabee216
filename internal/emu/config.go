package emu

import "errors"

// Config contains settings that affect emulation behavior.
type Config struct {
	Trace    bool // log CPU instructions
	LimitFPS bool // throttle to ~60 Hz (useful for headless test mode)
	UseJIT   bool // replay compiled NOP-run blocks instead of single-stepping them
}

var (
	errNoCartridge        = errors.New("emu: no cartridge loaded")
	errSaveStateTruncated = errors.New("emu: save state truncated")
)
