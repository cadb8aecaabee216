package bus

import "testing"

func newTestBus(t *testing.T, rom []byte) *Bus {
	t.Helper()
	b, err := New(rom)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// advance moves the shared clock forward by the given number of T-cycles
// without performing a real CPU access, for tests that only care about
// peripheral state after some elapsed time.
func advance(b *Bus, tcycles int) {
	b.InternalDelay(tcycles / 4)
}

func TestBus_ROMAndRAM(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0100] = 0x42
	b := newTestBus(t, rom)

	if got := b.Read(0x0100); got != 0x42 {
		t.Fatalf("ROM read got %02x, want 42", got)
	}

	b.Write(0xC000, 0x99)
	if got := b.Read(0xC000); got != 0x99 {
		t.Fatalf("RAM read got %02x, want 99", got)
	}

	b.Write(0xE000, 0x55)
	if got := b.Read(0xC000); got != 0x55 {
		t.Fatalf("Echo write did not mirror to WRAM: got %02x", got)
	}

	b.Write(0xFF80, 0xAB)
	if got := b.Read(0xFF80); got != 0xAB {
		t.Fatalf("HRAM read got %02x, want AB", got)
	}

	if got := b.Read(0xA123); got != 0xFF {
		t.Fatalf("Ext RAM (ROM-only) got %02x, want FF", got)
	}
}

func TestBus_VRAM_OAM_InterruptRegs(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))

	b.Write(0xFF40, 0) // LCD off so VRAM/OAM are always open for this check
	b.Write(0x8000, 0x11)
	if got := b.Read(0x8000); got != 0x11 {
		t.Fatalf("VRAM read got %02x, want 11", got)
	}

	b.Write(0xFE00, 0x22)
	if got := b.Read(0xFE00); got != 0x22 {
		t.Fatalf("OAM read got %02x, want 22", got)
	}

	b.Write(0xFF0F, 0x3F)
	if got := b.Read(0xFF0F); got != 0xE0|0x1F {
		t.Fatalf("IF read got %02x, want %02x", got, 0xE0|0x1F)
	}

	b.Write(0xFFFF, 0x1B)
	if got := b.Read(0xFFFF); got != 0x1B {
		t.Fatalf("IE read got %02x, want 1B", got)
	}
}

func TestBus_JOYP(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))

	if got := b.Read(0xFF00); got&0x0F != 0x0F {
		t.Fatalf("JOYP default lower bits got %02x want 0x0F", got)
	}

	b.Write(0xFF00, 0x20) // select D-pad
	b.SetJoypadState(JoypRight | JoypUp)
	if got := b.Read(0xFF00); got&0x0F != 0x0A {
		t.Fatalf("JOYP D-Pad got %02x want 0x0A", got&0x0F)
	}

	b.Write(0xFF00, 0x10) // select buttons
	b.SetJoypadState(JoypA | JoypStart)
	if got := b.Read(0xFF00); got&0x0F != 0x06 {
		t.Fatalf("JOYP Buttons got %02x want 0x06", got&0x0F)
	}
}

func TestBus_TimerRegistersRoundTrip(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))

	b.Write(0xFF04, 0x12) // any DIV write resets the divider to 0
	if got := b.Read(0xFF04); got != 0x00 {
		t.Fatalf("DIV got %02x want 00", got)
	}
	b.Write(0xFF05, 0x77)
	if got := b.Read(0xFF05); got != 0x77 {
		t.Fatalf("TIMA got %02x want 77", got)
	}
	b.Write(0xFF06, 0x88)
	if got := b.Read(0xFF06); got != 0x88 {
		t.Fatalf("TMA got %02x want 88", got)
	}
	b.Write(0xFF07, 0xFD)
	if got := b.Read(0xFF07); got != 0xF8|(0xFD&0x07) {
		t.Fatalf("TAC got %02x want %02x", got, 0xF8|(0xFD&0x07))
	}
}

func TestBus_TimerOverflowRequestsInterruptThroughBus(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))
	b.Write(0xFF0F, 0x00)
	b.Write(0xFF06, 0xAB) // TMA
	b.Write(0xFF05, 0xFF) // TIMA about to overflow
	b.Write(0xFF07, 0x05) // enabled, bit 3 selected

	// Bit 3 of the divider falls at clock 16, just after the TAC write, and
	// the reload lands 4 cycles later; TIMA next increments at clock 32, so
	// stop in between.
	advance(b, 8)
	if b.Read(0xFF0F)&(1<<2) == 0 {
		t.Fatal("expected the timer interrupt to be requested after overflow")
	}
	if got := b.Read(0xFF05); got != 0xAB {
		t.Fatalf("expected TIMA reloaded from TMA, got %02x", got)
	}
}

func TestBus_SerialImmediate(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))
	var out []byte
	b.SetSerialWriter(writerFunc(func(p []byte) (int, error) {
		out = append(out, p...)
		return len(p), nil
	}))

	b.Write(0xFF01, 0x41) // 'A'
	b.Write(0xFF02, 0x81) // start, external clock
	if len(out) != 1 || out[0] != 0x41 {
		t.Fatalf("serial out got %v want [0x41]", out)
	}
	if got := b.Read(0xFF02); got&0x80 != 0 {
		t.Fatalf("serial control bit7 not cleared: %02x", got)
	}
	if b.Read(0xFF0F)&(1<<3) == 0 {
		t.Fatal("serial IF bit not set after transfer")
	}
}

func TestBus_OAMDMA_CopiesAndBlocksCPU(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))
	b.Write(0xFF40, 0x00) // LCD off so PPU modes 2/3 do not also block OAM
	for i := 0; i < 0xA0; i++ {
		b.Write(0xC000+uint16(i), byte(i))
	}

	b.Write(0xFF46, 0xC0) // start DMA from 0xC000
	if got := b.Read(0xFE00); got != 0xFF {
		t.Fatalf("OAM read during DMA got %02x want FF", got)
	}
	b.Write(0xFE00, 0xEE) // ignored while DMA owns OAM

	advance(b, 8+160*4) // startup delay plus the full 160-byte transfer

	for i := 0; i < 0xA0; i++ {
		if got := b.Read(0xFE00 + uint16(i)); got != byte(i) {
			t.Fatalf("OAM[%02x] got %02x want %02x", i, got, byte(i))
		}
	}

	b.Write(0xFE00, 0x99)
	if got := b.Read(0xFE00); got != 0x99 {
		t.Fatalf("OAM write after DMA completion failed: got %02x", got)
	}
}

func TestBus_OAMDMA_SourceRemapAboveFE(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))
	for i := 0; i < 0xA0; i++ {
		b.Write(0xDE00+uint16(i), byte(i+1))
	}

	b.Write(0xFF46, 0xFE) // source 0xFE00 remaps down to 0xDE00
	advance(b, 8+160*4)
	if got := b.Read(0xFE00); got != 1 {
		t.Fatalf("remapped DMA source OAM[0] got %02x want 01", got)
	}
}

func TestBus_WriteLYResetsFrame(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))
	b.Write(0xFF40, 0x80) // LCD on
	advance(b, 252)
	if mode := b.Read(0xFF41) & 0x03; mode != 0 {
		t.Fatalf("pre-reset mode got %d want 0", mode)
	}
	b.Write(0xFF44, 0x99) // any write resets LY/dot to the start of a frame
	if ly := b.Read(0xFF44); ly != 0 {
		t.Fatalf("LY not reset to 0: %d", ly)
	}
	if mode := b.Read(0xFF41) & 0x03; mode != 2 {
		t.Fatalf("mode after LY reset got %d want 2", mode)
	}
}

func TestBus_NextInterruptTracksTimerAndPPU(t *testing.T) {
	b := newTestBus(t, make([]byte, 0x8000))
	b.Write(0xFF40, 0x80) // LCD on, so the PPU has a finite next-interrupt bound
	if n := b.NextInterrupt(); n <= b.Clock() {
		t.Fatalf("expected NextInterrupt to be in the future, got %d at clock %d", n, b.Clock())
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
