// Package ppu implements the DMG picture processing unit as a T-cycle
// accurate pixel-FIFO state machine: OAM search, a background/window
// fetcher, sprite fetch penalties, window activation, and STAT/LYC
// interrupt edge detection.
package ppu

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT).
type InterruptRequester func(bit int)

const (
	modeHBlank byte = 0
	modeVBlank byte = 1
	modeOAM    byte = 2
	modeDraw   byte = 3
)

const (
	dotsPerLine  = 456
	linesPerFrm  = 154
	visibleLines = 144
)

// fetchState tracks the background/window tile fetcher's progress through
// its 8-dot cycle (tile id, low byte, high byte, push-or-stall).
type fetchState struct {
	cycle       int
	tileX       int
	tileID      byte
	lowByte     byte
	highByte    byte
	usingWindow bool
}

// PPU is the Game Boy's pixel-FIFO rendering pipeline plus its
// memory-mapped register file.
type PPU struct {
	vram [0x2000]byte
	oam  [0xA0]byte

	lcdc, stat                     byte
	scy, scx, lyc, bgp, obp0, obp1 byte
	wy, wx                         byte
	ly                             byte

	mode byte
	dot  int

	lastClock uint64
	frame     uint64

	windowLine       int
	windowActive     bool
	windowActiveLine bool

	screenX   int
	discard   int
	bgFetch   fetchState
	bgFifo    pixelFifo
	spFifo    pixelFifo
	sprites   []spriteEntry
	fetching  bool
	fetchLeft int
	curSprite spriteEntry

	statLine     bool
	lyForCompare byte

	oamBlocked, vramBlocked bool

	framebuffer [160 * 144]byte

	req InterruptRequester
}

// New creates a PPU with the post-boot-ROM register state.
func New(req InterruptRequester) *PPU {
	p := &PPU{req: req}
	p.lcdc = 0x91
	p.bgp = 0xFC
	p.mode = modeOAM
	return p
}

func (p *PPU) SetInterruptRequester(req InterruptRequester) { p.req = req }

// Tick is a convenience wrapper around Update for callers (tests, simple
// headless drivers) that think in relative dot counts rather than an
// absolute shared clock.
func (p *PPU) Tick(dots int) { p.Update(p.lastClock + uint64(dots)) }

// Update runs the pixel pipeline forward, one T-cycle at a time, until it has
// caught up to clock. The Bus calls this lazily before any access that could
// observe PPU state.
func (p *PPU) Update(clock uint64) {
	for p.lastClock < clock {
		p.lastClock++
		p.tick()
	}
}

func (p *PPU) tick() {
	if p.lcdc&0x80 == 0 {
		p.vramBlocked, p.oamBlocked = false, false
		return
	}
	switch p.mode {
	case modeOAM:
		if p.dot == 0 {
			p.sprites = p.searchOAM()
		}
		p.oamBlocked, p.vramBlocked = true, false
		p.dot++
		if p.dot >= 80 {
			p.enterDraw()
		}
	case modeDraw:
		p.oamBlocked, p.vramBlocked = true, true
		p.dot++
		p.drawStep()
		if p.screenX >= 160 {
			p.mode = modeHBlank
		}
	case modeHBlank:
		p.oamBlocked, p.vramBlocked = false, false
		p.dot++
		if p.dot >= dotsPerLine {
			p.endLine()
		}
	case modeVBlank:
		p.oamBlocked, p.vramBlocked = false, false
		p.dot++
		if p.dot >= dotsPerLine {
			p.endLine()
		}
	}
	p.updateLYForCompare()
	p.updateSTATLine()
}

func (p *PPU) enterDraw() {
	p.mode = modeDraw
	p.screenX = 0
	p.discard = int(p.scx & 0x07)
	p.bgFifo.clear()
	p.spFifo.clear()
	p.fetching = false
	p.windowActiveLine = false
	p.bgFetch = fetchState{tileX: int(p.scx/8) & 0x1F}
}

func (p *PPU) endLine() {
	p.dot = 0
	switch p.mode {
	case modeHBlank:
		p.ly++
		if p.ly == visibleLines {
			p.mode = modeVBlank
			if p.req != nil {
				p.req(0)
			}
		} else {
			p.mode = modeOAM
		}
	case modeVBlank:
		p.ly++
		if p.ly >= linesPerFrm {
			p.ly = 0
			p.mode = modeOAM
			p.windowActive = false
			p.windowLine = 0
			p.frame++
		}
	}
}

// updateLYForCompare reproduces the line-153 quirk: LY (and the value STAT's
// LYC comparison uses) reads as 153 for only the first machine cycle of that
// line, then as 0 for the remainder.
func (p *PPU) updateLYForCompare() {
	if p.ly == 153 && p.mode == modeVBlank {
		if p.dot < 4 {
			p.lyForCompare = 153
		} else {
			p.lyForCompare = 0
		}
		return
	}
	p.lyForCompare = p.ly
}

func (p *PPU) updateSTATLine() {
	lycMatch := p.lyForCompare == p.lyc
	level := (p.stat&0x40 != 0 && lycMatch) ||
		(p.stat&0x08 != 0 && p.mode == modeHBlank) ||
		(p.stat&0x10 != 0 && p.mode == modeVBlank) ||
		(p.stat&0x20 != 0 && p.mode == modeOAM)
	if level && !p.statLine && p.req != nil {
		p.req(1)
	}
	p.statLine = level
}

// drawStep advances the pixel pipeline by one T-cycle during mode 3.
func (p *PPU) drawStep() {
	if p.lcdc&0x20 != 0 && !p.windowActiveLine &&
		p.ly >= p.wy && p.screenX+7 == int(p.wx) && p.wx <= 166 {
		p.activateWindow()
	}

	if p.fetching {
		p.fetchLeft--
		if p.fetchLeft <= 0 {
			p.finishSpriteFetch()
		}
		return
	}

	if p.lcdc&0x02 != 0 {
		if sp, ok := p.nextSpriteAt(); ok {
			p.beginSpriteFetch(sp)
			return
		}
	}

	p.stepFetcher()

	if p.bgFifo.empty() {
		return
	}
	bg := p.bgFifo.pop()
	sp := byte(0)
	if !p.spFifo.empty() {
		sp = p.spFifo.pop()
	}
	if p.discard > 0 {
		p.discard--
		return
	}
	p.setPixel(p.screenX, p.composePixel(bg, sp))
	p.screenX++
}

func (p *PPU) activateWindow() {
	p.windowActiveLine = true
	p.bgFifo.clear()
	p.spFifo.clear()
	p.bgFetch = fetchState{usingWindow: true}
	p.windowLine++
}

// stepFetcher drives the 8-dot tile fetch; on the final dot it attempts to
// push 8 pixels and, if the fifo still holds pixels from the previous tile,
// stalls in place until there's room.
func (p *PPU) stepFetcher() {
	f := &p.bgFetch
	if f.cycle < 7 {
		f.cycle++
		switch f.cycle {
		case 1:
			f.tileID = p.fetchTileID(f)
		case 3:
			f.lowByte = p.fetchTileRow(f, 0)
		case 5:
			f.highByte = p.fetchTileRow(f, 1)
		}
		return
	}
	if !p.bgFifo.empty() {
		return
	}
	p.bgFifo.pushBackground(f.lowByte, f.highByte)
	for p.spFifo.len() < p.bgFifo.len() {
		p.spFifo.push(0)
	}
	f.tileX = (f.tileX + 1) & 0x1F
	f.cycle = 0
}

func (p *PPU) fetchTileID(f *fetchState) byte {
	var base uint16
	var line byte
	if f.usingWindow {
		base = 0x1800
		if p.lcdc&0x40 != 0 {
			base = 0x1C00
		}
		line = byte(p.windowLine)
	} else {
		base = 0x1800
		if p.lcdc&0x08 != 0 {
			base = 0x1C00
		}
		line = p.ly + p.scy
	}
	row := uint16(line/8) * 32
	return p.vram[base+row+uint16(f.tileX&0x1F)]
}

func (p *PPU) fetchTileRow(f *fetchState, plane int) byte {
	var line byte
	if f.usingWindow {
		line = byte(p.windowLine) % 8
	} else {
		line = (p.ly + p.scy) % 8
	}
	var addr uint16
	if p.lcdc&0x10 != 0 {
		addr = uint16(f.tileID)*16 + uint16(line)*2
	} else {
		addr = uint16(int32(0x1000)+int32(int8(f.tileID))*16) + uint16(line)*2
	}
	return p.vram[addr+uint16(plane)]
}

// nextSpriteAt reports the highest-priority pending sprite whose X lines up
// with the pixel about to be output, popping it from the buffer if found.
func (p *PPU) nextSpriteAt() (spriteEntry, bool) {
	for i, sp := range p.sprites {
		if int(sp.x)-8 <= p.screenX {
			p.sprites = append(p.sprites[:i:i], p.sprites[i+1:]...)
			return sp, true
		}
	}
	return spriteEntry{}, false
}

func (p *PPU) beginSpriteFetch(sp spriteEntry) {
	p.fetching = true
	p.curSprite = sp
	p.fetchLeft = 6
	if sp.x == 0 {
		penalty := int(p.scx & 0x07)
		if penalty > 5 {
			penalty = 5
		}
		p.fetchLeft += penalty
	}
}

func (p *PPU) finishSpriteFetch() {
	p.fetching = false
	sp := p.curSprite
	tall := p.lcdc&0x04 != 0
	tile := sp.tile
	line := p.ly - sp.y
	if tall {
		tile &^= 0x01
		if sp.attr&0x40 != 0 {
			line = 15 - line
		}
	} else if sp.attr&0x40 != 0 {
		line = 7 - line
	}
	addr := uint16(tile)*16 + uint16(line)*2
	lo, hi := p.vram[addr], p.vram[addr+1]
	if sp.attr&0x20 != 0 {
		lo, hi = reverseBits(lo), reverseBits(hi)
	}
	palette := sp.attr&0x10 != 0
	bgPriority := sp.attr&0x80 != 0
	p.spFifo.pushSprite(lo, hi, palette, bgPriority)
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r = r<<1 | (b & 1)
		b >>= 1
	}
	return r
}

// composePixel applies the BG/sprite priority rule and the active DMG
// palette, producing a 2-bit shade index (0 = lightest).
func (p *PPU) composePixel(bg, sp byte) byte {
	bgColor := bg & 0x03
	if p.lcdc&0x01 == 0 {
		bgColor = 0
	}
	spColor := sp & 0x03
	if spColor == 0 {
		return shade(p.bgp, bgColor)
	}
	bgPriority := sp&0x08 != 0
	if bgPriority && bgColor != 0 {
		return shade(p.bgp, bgColor)
	}
	pal := p.obp0
	if sp&0x10 != 0 {
		pal = p.obp1
	}
	return shade(pal, spColor)
}

func shade(palette, color byte) byte {
	return (palette >> (color * 2)) & 0x03
}

func (p *PPU) setPixel(x int, s byte) {
	if x < 0 || x >= 160 || int(p.ly) >= 144 {
		return
	}
	p.framebuffer[int(p.ly)*160+x] = s
}

// Framebuffer returns the most recently completed frame's 160x144 shade
// indices (0-3); callers apply their own color ramp.
func (p *PPU) Framebuffer() *[160 * 144]byte { return &p.framebuffer }

func (p *PPU) Mode() byte { return p.mode }

// Frame returns the count of frames fully rendered so far; callers can poll
// this to detect frame-boundary crossings without single-stepping the CPU.
func (p *PPU) Frame() uint64 { return p.frame }

// CPURead/CPUWrite implement VRAM (0x8000-0x9FFF) and OAM (0xFE00-0xFE9F)
// access from the Bus, honoring the mode-dependent access restrictions.
func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if p.lcdc&0x80 != 0 && p.mode == modeDraw {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if p.lcdc&0x80 != 0 && (p.mode == modeOAM || p.mode == modeDraw) {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	}
	return 0xFF
}

func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if p.lcdc&0x80 != 0 && p.mode == modeDraw {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		if p.lcdc&0x80 != 0 && (p.mode == modeOAM || p.mode == modeDraw) {
			return
		}
		p.oam[addr-0xFE00] = value
	}
}

// OAMWriteDMA bypasses the mode-dependent block check: the DMA unit in the
// Bus drives OAM writes directly regardless of PPU mode.
func (p *PPU) OAMWriteDMA(index byte, value byte) { p.oam[index] = value }

func (p *PPU) ReadLCDC() byte { return p.lcdc }
func (p *PPU) WriteLCDC(v byte) {
	wasOn := p.lcdc&0x80 != 0
	p.lcdc = v
	if wasOn && v&0x80 == 0 {
		p.mode = modeHBlank
		p.dot = 0
		p.ly = 0
		p.lyForCompare = 0
		p.statLine = false
	} else if !wasOn && v&0x80 != 0 {
		p.mode = modeOAM
		p.dot = 0
		p.ly = 0
		p.windowLine = 0
		p.windowActive = false
	}
}

// ReadSTAT/WriteSTAT: bits 0-2 are read-only (mode + LYC flag); bit 7 always
// reads 1.
func (p *PPU) ReadSTAT() byte {
	v := p.stat&0xF8 | p.mode
	if p.lyForCompare == p.lyc {
		v |= 0x04
	}
	return v | 0x80
}
func (p *PPU) WriteSTAT(v byte) { p.stat = v & 0x78 }

func (p *PPU) ReadSCY() byte   { return p.scy }
func (p *PPU) WriteSCY(v byte) { p.scy = v }
func (p *PPU) ReadSCX() byte   { return p.scx }
func (p *PPU) WriteSCX(v byte) { p.scx = v }
func (p *PPU) ReadLY() byte    { return p.lyForCompare }
func (p *PPU) WriteLY(byte) {
	p.ly = 0
	p.dot = 0
	p.mode = modeOAM
}
func (p *PPU) ReadLYC() byte   { return p.lyc }
func (p *PPU) WriteLYC(v byte) { p.lyc = v }

func (p *PPU) ReadBGP() byte  { return p.bgp }
func (p *PPU) ReadOBP0() byte { return p.obp0 }
func (p *PPU) ReadOBP1() byte { return p.obp1 }

func (p *PPU) WriteBGP(v byte)  { p.bgp = v }
func (p *PPU) WriteOBP0(v byte) { p.obp0 = v }
func (p *PPU) WriteOBP1(v byte) { p.obp1 = v }

// PaletteWriteIsCoincident reports whether the PPU is, on this exact
// T-cycle, sampling a palette register to compose the current pixel, the
// condition under which the Bus must OR a simultaneous CPU write into the
// register rather than replacing it outright.
func (p *PPU) PaletteWriteIsCoincident() bool {
	return p.mode == modeDraw && !p.fetching
}

func (p *PPU) ReadWY() byte   { return p.wy }
func (p *PPU) WriteWY(v byte) { p.wy = v }
func (p *PPU) ReadWX() byte   { return p.wx }
func (p *PPU) WriteWX(v byte) { p.wx = v }

// NextInterrupt returns a clock value at or before the next cycle on which
// this PPU could newly assert an interrupt line (VBlank or STAT). It is a
// safe overapproximation: it may return a sooner clock than the real next
// edge, but never a later one.
func (p *PPU) NextInterrupt() uint64 {
	if p.lcdc&0x80 == 0 {
		return ^uint64(0)
	}
	// A mode-0 STAT source can fire mid-line, and on line 153 LY compares as
	// 0 from dot 4 on; neither waits for the end of the line.
	if p.stat&0x08 != 0 && (p.mode == modeOAM || p.mode == modeDraw) {
		return p.lastClock
	}
	if p.ly == 153 && p.dot < 4 {
		return p.lastClock + uint64(4-p.dot)
	}
	remaining := dotsPerLine - p.dot
	return p.lastClock + uint64(remaining)
}

type ppuState struct {
	VRAM, OAM                      []byte
	LCDC, STAT                     byte
	SCY, SCX, LYC, BGP, OBP0, OBP1 byte
	WY, WX, LY                     byte
	Mode                           byte
	Dot                            int
	LastClock, Frame               uint64
	WindowLine                     int
	WindowActive                   bool
}

func (p *PPU) SaveState() []byte {
	s := ppuState{
		VRAM: append([]byte(nil), p.vram[:]...), OAM: append([]byte(nil), p.oam[:]...),
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx, LY: p.ly,
		Mode: p.mode, Dot: p.dot, LastClock: p.lastClock, Frame: p.frame,
		WindowLine: p.windowLine, WindowActive: p.windowActive,
	}
	return encodeGob(s)
}

func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if decodeGob(data, &s) != nil {
		return
	}
	copy(p.vram[:], s.VRAM)
	copy(p.oam[:], s.OAM)
	p.lcdc, p.stat = s.LCDC, s.STAT
	p.scy, p.scx, p.lyc = s.SCY, s.SCX, s.LYC
	p.bgp, p.obp0, p.obp1 = s.BGP, s.OBP0, s.OBP1
	p.wy, p.wx, p.ly = s.WY, s.WX, s.LY
	p.mode, p.dot = s.Mode, s.Dot
	p.lastClock, p.frame = s.LastClock, s.Frame
	p.windowLine, p.windowActive = s.WindowLine, s.WindowActive
	p.lyForCompare = p.ly
}
