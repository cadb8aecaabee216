// Package bus wires the CPU-visible address space to the cartridge, WRAM,
// HRAM, and the PPU/APU/Timer peripherals. Every access advances a shared
// T-cycle clock, and each peripheral catches up to that clock lazily rather
// than being ticked in a batch after the fact; this lets a single bus access
// observe state that changed mid-instruction (a STAT read during a mode
// transition, a palette write racing the PPU's own sample of it).
package bus

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/apu"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/cart"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/ppu"
	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/timer"
)

// Bus is the Game Boy's address space plus the shared clock that drives its
// memory-mapped peripherals.
type Bus struct {
	cart cart.Cartridge

	wram [0x2000]byte // 0xC000-0xDFFF, echoed at 0xE000-0xFDFF
	hram [0x7F]byte   // 0xFF80-0xFFFE

	ppu   *ppu.PPU
	timer *timer.Timer
	apu   *apu.APU

	clock    uint64 // shared T-cycle clock
	apuClock uint64 // clock the APU has been advanced to

	ie    byte // 0xFFFF
	ifReg byte // 0xFF0F, low 5 bits significant

	joypSelect byte // last written bits 4-5 of FF00
	buttons    byte // pressed-button bitmask, see Joyp* constants
	joypLower4 byte // last computed active-low nibble, for edge detection

	sb byte
	sc byte
	sw io.Writer

	dma           byte
	dmaActive     bool
	dmaSrc        uint16
	dmaIndex      int
	dmaStartClock uint64
	dmaStarting   bool

	bootROM     []byte
	bootEnabled bool

	debugTimer bool
}

// New constructs a Bus from raw ROM bytes, selecting a cartridge
// implementation from the header.
func New(rom []byte) (*Bus, error) {
	c, err := cart.NewCartridge(rom)
	if err != nil {
		return nil, err
	}
	return NewWithCartridge(c), nil
}

// NewWithCartridge wires a provided cartridge implementation.
func NewWithCartridge(c cart.Cartridge) *Bus {
	b := &Bus{cart: c, ifReg: 0xE1}
	b.timer = timer.New(func() { b.requestInterrupt(2) })
	b.ppu = ppu.New(func(bit int) { b.requestInterrupt(bit) })
	b.apu = apu.New(48000)
	if os.Getenv("GB_DEBUG_TIMER") != "" {
		b.debugTimer = true
	}
	return b
}

func (b *Bus) PPU() *ppu.PPU   { return b.ppu }
func (b *Bus) APU() *apu.APU   { return b.apu }
func (b *Bus) Timer() *timer.Timer { return b.timer }
func (b *Bus) Cart() cart.Cartridge { return b.cart }
func (b *Bus) Clock() uint64   { return b.clock }

func (b *Bus) requestInterrupt(bit int) { b.ifReg |= 1 << uint(bit) }

// sync catches every clocked peripheral up to the bus's current clock value.
func (b *Bus) sync() {
	b.timer.Update(b.clock)
	b.ppu.Update(b.clock)
	if b.clock > b.apuClock {
		b.apu.Tick(int(b.clock - b.apuClock))
		b.apuClock = b.clock
	}
	b.stepDMA()
}

// Read performs one CPU memory read: peripherals are caught up to the
// current clock, the value is sampled, then the clock advances one M-cycle
// (4 T-cycles) and peripherals are caught up again so the next access sees
// fresh state.
func (b *Bus) Read(addr uint16) byte {
	b.sync()
	v := b.read(addr)
	b.clock += 4
	b.sync()
	return v
}

func (b *Bus) Write(addr uint16, value byte) {
	b.sync()
	b.write(addr, value)
	b.clock += 4
	b.sync()
}

// InternalDelay advances the clock for CPU cycles that touch no bus address
// (internal ALU cycles, branch-not-taken padding, interrupt dispatch
// overhead) so peripherals still observe them.
func (b *Bus) InternalDelay(mCycles int) {
	for i := 0; i < mCycles; i++ {
		b.clock += 4
		b.sync()
	}
}

func (b *Bus) read(addr uint16) byte {
	if b.dmaBlocksCPU(addr) {
		return 0xFF
	}
	return b.rawRead(addr)
}

// rawRead dispatches a memory read with no DMA-blocking check, for use by
// the DMA unit itself when fetching its source bytes.
func (b *Bus) rawRead(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if b.bootEnabled && addr < 0x0100 && len(b.bootROM) >= 0x100 {
			return b.bootROM[addr]
		}
		return b.cart.Read(addr)
	case addr >= 0x8000 && addr <= 0x9FFF:
		return b.ppu.CPURead(addr)
	case addr >= 0xA000 && addr <= 0xBFFF:
		return b.cart.Read(addr)
	case addr >= 0xC000 && addr <= 0xDFFF:
		return b.wram[addr-0xC000]
	case addr >= 0xE000 && addr <= 0xFDFF:
		return b.wram[addr-0x2000-0xC000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if b.dmaActive {
			return 0xFF
		}
		return b.ppu.CPURead(addr)
	case addr >= 0xFEA0 && addr <= 0xFEFF:
		return 0xFF
	case addr >= 0xFF80 && addr <= 0xFFFE:
		return b.hram[addr-0xFF80]
	case addr == 0xFFFF:
		return b.ie
	default:
		return b.readIO(addr)
	}
}

func (b *Bus) write(addr uint16, value byte) {
	if b.dmaBlocksCPU(addr) {
		return
	}
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
	case addr >= 0x8000 && addr <= 0x9FFF:
		b.ppu.CPUWrite(addr, value)
	case addr >= 0xA000 && addr <= 0xBFFF:
		b.cart.Write(addr, value)
	case addr >= 0xC000 && addr <= 0xDFFF:
		b.wram[addr-0xC000] = value
	case addr >= 0xE000 && addr <= 0xFDFF:
		b.wram[addr-0x2000-0xC000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if b.dmaActive {
			return
		}
		b.ppu.CPUWrite(addr, value)
	case addr >= 0xFEA0 && addr <= 0xFEFF:
		// unusable, writes ignored
	case addr >= 0xFF80 && addr <= 0xFFFE:
		b.hram[addr-0xFF80] = value
	case addr == 0xFFFF:
		b.ie = value
	default:
		b.writeIO(addr, value)
	}
}

// dmaBlocksCPU reports whether OAM DMA is currently preventing the CPU from
// touching this address. Only HRAM, the IE register and the DMA trigger
// register itself remain reachable while a transfer is in flight.
func (b *Bus) dmaBlocksCPU(addr uint16) bool {
	if !b.dmaActive {
		return false
	}
	if addr >= 0xFF80 && addr <= 0xFFFE {
		return false
	}
	if addr == 0xFF46 || addr == 0xFFFF {
		return false
	}
	return true
}

func (b *Bus) readIO(addr uint16) byte {
	switch {
	case addr == 0xFF00:
		return b.readJOYP()
	case addr == 0xFF01:
		return b.sb
	case addr == 0xFF02:
		return 0x7E | (b.sc & 0x81)
	case addr == 0xFF04:
		return b.timer.ReadDIV()
	case addr == 0xFF05:
		return b.timer.ReadTIMA()
	case addr == 0xFF06:
		return b.timer.ReadTMA()
	case addr == 0xFF07:
		return b.timer.ReadTAC()
	case addr == 0xFF0F:
		return 0xE0 | (b.ifReg & 0x1F)
	case addr >= 0xFF10 && addr <= 0xFF3F:
		return b.apu.CPURead(addr)
	case addr == 0xFF40:
		return b.ppu.ReadLCDC()
	case addr == 0xFF41:
		return b.ppu.ReadSTAT()
	case addr == 0xFF42:
		return b.ppu.ReadSCY()
	case addr == 0xFF43:
		return b.ppu.ReadSCX()
	case addr == 0xFF44:
		return b.ppu.ReadLY()
	case addr == 0xFF45:
		return b.ppu.ReadLYC()
	case addr == 0xFF46:
		return b.dma
	case addr == 0xFF47:
		return b.ppu.ReadBGP()
	case addr == 0xFF48:
		return b.ppu.ReadOBP0()
	case addr == 0xFF49:
		return b.ppu.ReadOBP1()
	case addr == 0xFF4A:
		return b.ppu.ReadWY()
	case addr == 0xFF4B:
		return b.ppu.ReadWX()
	case addr == 0xFF50:
		return 0xFF
	default:
		return 0xFF
	}
}

func (b *Bus) writeIO(addr uint16, value byte) {
	switch {
	case addr == 0xFF00:
		b.joypSelect = value & 0x30
		b.updateJoypadIRQ()
	case addr == 0xFF01:
		b.sb = value
	case addr == 0xFF02:
		b.sc = value & 0x81
		if b.sc&0x80 != 0 {
			if b.sw != nil {
				_, _ = b.sw.Write([]byte{b.sb})
			}
			b.requestInterrupt(3)
			b.sc &^= 0x80
		}
	case addr == 0xFF04:
		b.timer.WriteDIV()
	case addr == 0xFF05:
		b.timer.WriteTIMA(value)
	case addr == 0xFF06:
		b.timer.WriteTMA(value)
	case addr == 0xFF07:
		b.timer.WriteTAC(value)
	case addr == 0xFF0F:
		b.ifReg = value & 0x1F
	case addr >= 0xFF10 && addr <= 0xFF3F:
		b.apu.CPUWrite(addr, value)
	case addr == 0xFF40:
		b.ppu.WriteLCDC(value)
	case addr == 0xFF41:
		b.ppu.WriteSTAT(value)
	case addr == 0xFF42:
		b.ppu.WriteSCY(value)
	case addr == 0xFF43:
		b.ppu.WriteSCX(value)
	case addr == 0xFF44:
		b.ppu.WriteLY(value)
	case addr == 0xFF45:
		b.ppu.WriteLYC(value)
	case addr == 0xFF46:
		b.triggerDMA(value)
	case addr == 0xFF47:
		b.writePalette(b.ppu.WriteBGP, b.ppu.ReadBGP, value)
	case addr == 0xFF48:
		b.writePalette(b.ppu.WriteOBP0, b.ppu.ReadOBP0, value)
	case addr == 0xFF49:
		b.writePalette(b.ppu.WriteOBP1, b.ppu.ReadOBP1, value)
	case addr == 0xFF4A:
		b.ppu.WriteWY(value)
	case addr == 0xFF4B:
		b.ppu.WriteWX(value)
	case addr == 0xFF50:
		if value != 0 {
			b.bootEnabled = false
		}
	}
}

// writePalette implements the documented OR-then-overwrite conflict: if the
// PPU is mid-sample of this exact register for the pixel it is composing
// right now, the write and the PPU's read share one latch: the PPU composes
// one T-cycle with the old value ORed with the new one, after which the new
// value replaces it.
func (b *Bus) writePalette(set func(byte), get func() byte, value byte) {
	if b.ppu.PaletteWriteIsCoincident() {
		set(get() | value)
		b.ppu.Update(b.clock + 1)
	}
	set(value)
}

// OAM DMA: an 8-cycle startup delay, then one byte copied per M-cycle for
// 160 bytes. VRAM remains CPU-readable throughout; the source address wraps
// values 0xFE-0xFF down into WRAM per the documented high-byte remap.
func (b *Bus) triggerDMA(value byte) {
	b.dma = value
	src := value
	if src >= 0xFE {
		src -= 0x20
	}
	b.dmaSrc = uint16(src) << 8
	b.dmaIndex = 0
	b.dmaActive = true
	b.dmaStarting = true
	b.dmaStartClock = b.clock
}

func (b *Bus) stepDMA() {
	if !b.dmaActive {
		return
	}
	if b.dmaStarting {
		if b.clock-b.dmaStartClock < 8 {
			return
		}
		b.dmaStarting = false
	}
	elapsed := b.clock - b.dmaStartClock - 8
	target := int(elapsed/4) + 1
	if target > 0xA0 {
		target = 0xA0
	}
	for b.dmaIndex < target {
		v := b.rawRead(b.dmaSrc + uint16(b.dmaIndex))
		b.ppu.OAMWriteDMA(byte(b.dmaIndex), v)
		b.dmaIndex++
	}
	if b.dmaIndex >= 0xA0 {
		b.dmaActive = false
	}
}

// Joypad button bitmasks for SetJoypadState. Set bits mean "pressed".
const (
	JoypRight     = 1 << 0
	JoypLeft      = 1 << 1
	JoypUp        = 1 << 2
	JoypDown      = 1 << 3
	JoypA         = 1 << 4
	JoypB         = 1 << 5
	JoypSelectBtn = 1 << 6
	JoypStart     = 1 << 7
)

func (b *Bus) readJOYP() byte {
	res := byte(0xC0 | (b.joypSelect & 0x30) | 0x0F)
	if b.joypSelect&0x10 == 0 { // P14 low selects D-pad
		if b.buttons&JoypRight != 0 {
			res &^= 0x01
		}
		if b.buttons&JoypLeft != 0 {
			res &^= 0x02
		}
		if b.buttons&JoypUp != 0 {
			res &^= 0x04
		}
		if b.buttons&JoypDown != 0 {
			res &^= 0x08
		}
	}
	if b.joypSelect&0x20 == 0 { // P15 low selects buttons
		if b.buttons&JoypA != 0 {
			res &^= 0x01
		}
		if b.buttons&JoypB != 0 {
			res &^= 0x02
		}
		if b.buttons&JoypSelectBtn != 0 {
			res &^= 0x04
		}
		if b.buttons&JoypStart != 0 {
			res &^= 0x08
		}
	}
	return res
}

// SetJoypadState sets which buttons are currently pressed (Joyp* bitmask)
// and raises the joypad interrupt on any released-to-pressed transition
// among the currently selected key group(s).
func (b *Bus) SetJoypadState(mask byte) {
	b.buttons = mask
	b.updateJoypadIRQ()
}

func (b *Bus) updateJoypadIRQ() {
	newLower := b.readJOYP() & 0x0F
	if b.joypLower4&^newLower != 0 {
		b.requestInterrupt(4)
	}
	b.joypLower4 = newLower
}

// SetSerialWriter sets a sink that receives bytes written via the serial port.
func (b *Bus) SetSerialWriter(w io.Writer) { b.sw = w }

// SetBootROM loads a DMG boot ROM to be mapped at 0x0000-0x00FF until
// disabled by a write to 0xFF50.
func (b *Bus) SetBootROM(data []byte) {
	b.bootROM = nil
	b.bootEnabled = false
	if len(data) >= 0x100 {
		b.bootROM = make([]byte, 0x100)
		copy(b.bootROM, data[:0x100])
		b.bootEnabled = true
	}
}

// IE/IF accessors used by the CPU's interrupt dispatch.
func (b *Bus) ReadIE() byte  { return b.ie }
func (b *Bus) ReadIF() byte  { return b.ifReg & 0x1F }
func (b *Bus) ClearIF(bit int) { b.ifReg &^= 1 << uint(bit) }

// NextInterrupt returns the earliest clock at which any peripheral could
// newly assert an interrupt line, aggregated across Timer and PPU. It is a
// safe overapproximation, never later than the true next edge.
func (b *Bus) NextInterrupt() uint64 {
	b.sync()
	next := b.timer.NextInterrupt()
	if pn := b.ppu.NextInterrupt(); pn < next {
		next = pn
	}
	return next
}

// SkipTo jumps the shared clock straight to the given value instead of
// advancing it 4 T-cycles at a time, then catches every peripheral up in one
// sync call. Callers must only pass a value bounded by NextInterrupt's
// overapproximation, so no peripheral edge is skipped over.
func (b *Bus) SkipTo(clock uint64) {
	if clock > b.clock {
		b.clock = clock
		b.sync()
	}
}

type busState struct {
	WRAM, HRAM           []byte
	IE, IF               byte
	JoypSel, Buttons, JL4 byte
	SB, SC               byte
	DMA                  byte
	DMAActive            bool
	DMASrc               uint16
	DMAIdx               int
	DMAStarting          bool
	DMAStartClock        uint64
	Clock, APUClock      uint64
	BootEn               bool
	Timer                []byte
	PPU                  []byte
	Cart                 []byte
	APU                  []byte
}

func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	s := busState{
		WRAM: append([]byte(nil), b.wram[:]...), HRAM: append([]byte(nil), b.hram[:]...),
		IE: b.ie, IF: b.ifReg,
		JoypSel: b.joypSelect, Buttons: b.buttons, JL4: b.joypLower4,
		SB: b.sb, SC: b.sc,
		DMA: b.dma, DMAActive: b.dmaActive, DMASrc: b.dmaSrc, DMAIdx: b.dmaIndex,
		DMAStarting: b.dmaStarting, DMAStartClock: b.dmaStartClock,
		Clock: b.clock, APUClock: b.apuClock, BootEn: b.bootEnabled,
		Timer: b.timer.SaveState(nil), PPU: b.ppu.SaveState(),
		APU: b.apu.SaveState(),
	}
	if cs, ok := b.cart.(interface{ SaveState() []byte }); ok {
		s.Cart = cs.SaveState()
	}
	_ = enc.Encode(s)
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	var s busState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	copy(b.wram[:], s.WRAM)
	copy(b.hram[:], s.HRAM)
	b.ie, b.ifReg = s.IE, s.IF
	b.joypSelect, b.buttons, b.joypLower4 = s.JoypSel, s.Buttons, s.JL4
	b.sb, b.sc = s.SB, s.SC
	b.dma, b.dmaActive, b.dmaSrc, b.dmaIndex = s.DMA, s.DMAActive, s.DMASrc, s.DMAIdx
	b.dmaStarting, b.dmaStartClock = s.DMAStarting, s.DMAStartClock
	b.clock, b.apuClock, b.bootEnabled = s.Clock, s.APUClock, s.BootEn
	b.timer.LoadState(s.Timer)
	b.ppu.LoadState(s.PPU)
	b.apu.LoadState(s.APU)
	if cs, ok := b.cart.(interface{ LoadState([]byte) }); ok {
		cs.LoadState(s.Cart)
	}
}
