// Package emu wires the cartridge, bus, and CPU into a runnable unit and
// owns the host-facing concerns the core packages stay deliberately free of:
// loading ROMs and battery saves from disk, frame-stepping, and converting
// the PPU's 2-bit shade buffer into RGBA for a front end to blit.
package emu

import (
	"io"
	"os"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cart"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cpu"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/jit"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/scheduler"
)

// Buttons mirrors the eight DMG joypad lines.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= bus.JoypRight
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	return m
}

// dmgShades is the classic four-tone green palette, lightest to darkest.
var dmgShades = [4][3]byte{
	{0xE0, 0xF8, 0xD0},
	{0x88, 0xC0, 0x70},
	{0x34, 0x68, 0x56},
	{0x08, 0x18, 0x20},
}

// Machine owns one emulated Game Boy: cartridge, bus, and CPU.
type Machine struct {
	cfg     Config
	romPath string

	b       *bus.Bus
	c       *cpu.CPU
	fb      []byte // RGBA 160x144*4, refreshed each StepFrame/StepFrameNoRender
	rom     []byte
	bootROM []byte // remembered so ResetWithBoot can replay it

	jc *jit.Cache // non-nil when cfg.UseJIT is set
}

// New creates a Machine with no cartridge loaded. Callers must LoadROM or
// LoadROMFromFile before stepping.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, fb: make([]byte, 160*144*4)}
}

// LoadROM creates a fresh bus and CPU for the given ROM image and resets to
// DMG post-boot register values (no boot ROM required).
func (m *Machine) LoadROM(data []byte) error {
	b, err := bus.New(data)
	if err != nil {
		return err
	}
	m.b = b
	m.c = cpu.New(b)
	m.c.ResetNoBoot()
	m.rom = data
	if m.cfg.UseJIT {
		m.jc = jit.NewCache()
	}
	return nil
}

// LoadROMFromFile reads a ROM from disk and loads it, also remembering the
// path so SaveBattery/LoadBattery can derive a sibling .sav path.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadROM(data); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the path LoadROMFromFile was called with, or "" if the
// machine was loaded from an in-memory image.
func (m *Machine) ROMPath() string { return m.romPath }

// SetBootROM installs a boot ROM to run from 0x0000 instead of the
// DMG post-boot register defaults. Must be called before the first Step.
func (m *Machine) SetBootROM(data []byte) {
	if m.b == nil || len(data) < 0x100 {
		return
	}
	m.bootROM = data
	m.b.SetBootROM(data)
	m.c.SetPC(0x0000)
	m.c.SP = 0xFFFE
	m.c.IME = false
}

// ROMTitle returns the cartridge header's title, or "" if none is loaded or
// the loaded image is too small to carry a header.
func (m *Machine) ROMTitle() string {
	if len(m.rom) < 0x150 {
		return ""
	}
	h, err := cart.ParseHeader(m.rom)
	if err != nil {
		return ""
	}
	return h.Title
}

// ResetPostBoot reloads the current ROM fresh, skipping straight to DMG
// post-boot register values the way a power cycle without a boot ROM would.
func (m *Machine) ResetPostBoot() {
	if m.rom == nil {
		return
	}
	_ = m.LoadROM(m.rom)
}

// ResetWithBoot reloads the current ROM and replays the last-installed boot
// ROM from 0x0000, if one was set. A no-op if no boot ROM is known.
func (m *Machine) ResetWithBoot() {
	if m.rom == nil || m.bootROM == nil {
		return
	}
	boot := m.bootROM
	_ = m.LoadROM(m.rom)
	m.SetBootROM(boot)
}

// SaveStateToFile writes the current save-state blob to path.
func (m *Machine) SaveStateToFile(path string) error {
	data := m.SaveState()
	if data == nil {
		return errNoCartridge
	}
	return os.WriteFile(path, data, 0644)
}

// LoadStateFromFile restores a save-state blob previously written by
// SaveStateToFile.
func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}

// SetSerialWriter forwards serial-port output (used by test ROMs and link
// cable stubs) to w.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.b != nil {
		m.b.SetSerialWriter(w)
	}
}

// SetButtons updates joypad state from a snapshot of the eight DMG buttons.
func (m *Machine) SetButtons(btn Buttons) { m.SetJoypadState(btn.mask()) }

// SetJoypadState updates joypad state from a raw JoypXxx bitmask.
func (m *Machine) SetJoypadState(mask byte) {
	if m.b != nil {
		m.b.SetJoypadState(mask)
	}
}

// stepUntilNextFrame runs CPU instructions until the PPU completes a frame.
// While the CPU is halted waiting for an interrupt, it skips the clock
// straight to the scheduler's next horizon instead of retiring one 4-cycle
// no-op Step at a time.
func (m *Machine) stepUntilNextFrame() {
	if m.c == nil {
		return
	}
	start := m.b.PPU().Frame()
	for m.b.PPU().Frame() == start {
		if m.c.Halted() {
			if h := scheduler.NextHorizon(m.b); h > m.b.Clock() {
				m.b.SkipTo(h)
			}
		}
		if m.jc != nil {
			if _, ok := m.jc.Step(m.c); ok {
				continue
			}
		}
		m.c.Step()
	}
}

// StepFrame advances emulation by exactly one frame and refreshes the RGBA
// framebuffer for display.
func (m *Machine) StepFrame() {
	m.stepUntilNextFrame()
	m.renderRGBA()
}

// StepFrameNoRender advances by one frame without paying the RGBA
// conversion cost; used by headless test-ROM runners that only care about
// serial output.
func (m *Machine) StepFrameNoRender() {
	m.stepUntilNextFrame()
}

func (m *Machine) renderRGBA() {
	if m.b == nil {
		return
	}
	shades := m.b.PPU().Framebuffer()
	for i, s := range shades {
		c := dmgShades[s&3]
		o := i * 4
		m.fb[o+0] = c[0]
		m.fb[o+1] = c[1]
		m.fb[o+2] = c[2]
		m.fb[o+3] = 0xFF
	}
}

// Framebuffer returns the most recently rendered frame as RGBA8888.
func (m *Machine) Framebuffer() []byte { return m.fb }

// APUBufferedStereo reports how many stereo sample pairs are currently
// queued, for a front end's audio sink to decide how much to pull.
func (m *Machine) APUBufferedStereo() int {
	if m.b == nil {
		return 0
	}
	return m.b.APU().StereoAvailable()
}

// APUPullStereo drains up to max interleaved stereo sample pairs.
func (m *Machine) APUPullStereo(max int) []int16 {
	if m.b == nil {
		return nil
	}
	return m.b.APU().PullStereo(max)
}

// APUClearAudioLatency discards all buffered stereo audio, used by a front
// end to resync playback after a pause, mode switch, or ROM load.
func (m *Machine) APUClearAudioLatency() {
	if m.b != nil {
		m.b.APU().DrainStereo()
	}
}

// APUCapBufferedStereo trims buffered stereo audio down to at most max
// frames, used to keep latency bounded during fast-forward.
func (m *Machine) APUCapBufferedStereo(max int) {
	if m.b != nil {
		m.b.APU().CapStereo(max)
	}
}

// SaveState serializes the bus and CPU into a single blob.
func (m *Machine) SaveState() []byte {
	if m.b == nil {
		return nil
	}
	bs := m.b.SaveState()
	cs := m.c.SaveState()
	out := make([]byte, 4+len(bs)+len(cs))
	putU32(out, uint32(len(bs)))
	copy(out[4:], bs)
	copy(out[4+len(bs):], cs)
	return out
}

// LoadState restores a blob produced by SaveState.
func (m *Machine) LoadState(data []byte) error {
	if m.b == nil {
		return errNoCartridge
	}
	if len(data) < 4 {
		return errSaveStateTruncated
	}
	n := int(getU32(data))
	if len(data) < 4+n {
		return errSaveStateTruncated
	}
	prev := m.b.SaveState()
	m.b.LoadState(data[4 : 4+n])
	if err := m.c.LoadState(data[4+n:]); err != nil {
		m.b.LoadState(prev)
		return err
	}
	return nil
}

// LoadBattery restores cartridge RAM from a battery-save blob. Reports
// whether the cartridge actually supports battery-backed RAM.
func (m *Machine) LoadBattery(data []byte) bool {
	if m.b == nil {
		return false
	}
	bb, ok := m.b.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns the cartridge's current battery-backed RAM, if any.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.b == nil {
		return nil, false
	}
	bb, ok := m.b.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	return bb.SaveRAM(), true
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
