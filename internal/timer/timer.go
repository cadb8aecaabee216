// Package timer implements the DMG DIV/TIMA/TMA/TAC divider chain.
//
// The internal 16-bit divider increments every T-cycle; TIMA increments on
// the falling edge of a TAC-selected divider bit. Catch-up is lazy: callers
// advance the timer to an absolute clock value with Update, and the timer
// replays T-cycles internally until it reaches that clock.
package timer

// tacBit maps TAC[1:0] to the divider bit that gates TIMA increments.
var tacBit = [4]uint{9, 3, 5, 7}

// Timer models DIV/TIMA/TMA/TAC and the TIMA-overflow reload delay.
type Timer struct {
	div uint16 // internal 16-bit divider; DIV register is the high byte
	tima byte
	tma  byte
	tac  byte // low 3 bits used

	// reloadDelay counts down the 4 T-cycles between a TIMA overflow and the
	// TMA reload + interrupt request. 0 means no reload pending.
	reloadDelay int
	// justReloaded is true for the single T-cycle on which the reload fires,
	// so writes to TMA during that cycle also update TIMA (see WriteTMA).
	justReloaded bool

	lastClock uint64

	irq func()
}

// New creates a Timer. irq is invoked once per TIMA overflow to request the
// timer interrupt (IF bit 2); it may be nil in tests.
func New(irq func()) *Timer {
	return &Timer{tac: 0, irq: irq}
}

// Reset restores cold-boot state.
func (t *Timer) Reset() {
	*t = Timer{irq: t.irq}
}

// ResetPostBoot restores the values the DMG boot ROM leaves behind.
func (t *Timer) ResetPostBoot() {
	t.Reset()
	t.div = 0xABCC
}

func (t *Timer) input() bool {
	if t.tac&0x04 == 0 {
		return false
	}
	bit := tacBit[t.tac&0x03]
	return (t.div>>bit)&1 != 0
}

// Update advances the timer so that lastClock == clock. It must be called
// with a non-decreasing clock; it is a no-op if already caught up.
func (t *Timer) Update(clock uint64) {
	for t.lastClock < clock {
		t.lastClock++
		t.tickOnce()
	}
}

func (t *Timer) tickOnce() {
	t.justReloaded = false

	if t.reloadDelay > 0 {
		t.reloadDelay--
		if t.reloadDelay == 0 {
			t.tima = t.tma
			t.justReloaded = true
			if t.irq != nil {
				t.irq()
			}
		}
	}

	before := t.input()
	t.div++
	after := t.input()
	if before && !after {
		t.incrementTIMA()
	}
}

func (t *Timer) incrementTIMA() {
	if t.reloadDelay > 0 {
		// Pending reload masks further increments until it resolves.
		return
	}
	if t.tima == 0xFF {
		t.tima = 0x00
		t.reloadDelay = 4
		return
	}
	t.tima++
}

// ReadDIV returns the CPU-visible DIV register (high byte of the divider).
func (t *Timer) ReadDIV() byte { return byte(t.div >> 8) }

// ReadTIMA returns TIMA, which reads 0x00 during the 1 M-cycle overflow window.
func (t *Timer) ReadTIMA() byte { return t.tima }

func (t *Timer) ReadTMA() byte { return t.tma }

func (t *Timer) ReadTAC() byte { return 0xF8 | (t.tac & 0x07) }

// WriteDIV resets the internal divider; a resulting falling edge on the
// selected bit still increments TIMA.
func (t *Timer) WriteDIV() {
	before := t.input()
	t.div = 0
	after := t.input()
	if before && !after {
		t.incrementTIMA()
	}
}

// WriteTIMA is ignored during the 4-cycle reload window (the real reload
// wins); at any other time it stores the value.
func (t *Timer) WriteTIMA(v byte) {
	if t.reloadDelay > 0 {
		return
	}
	t.tima = v
}

// WriteTMA stores the reload value; if written on the exact cycle the reload
// just fired, TIMA observes the new value too.
func (t *Timer) WriteTMA(v byte) {
	t.tma = v
	if t.justReloaded {
		t.tima = v
	}
}

// WriteTAC may itself cause a falling-edge TIMA increment, because changing
// the selected bit or disabling the timer can flip the AND-ed input line.
func (t *Timer) WriteTAC(v byte) {
	before := t.input()
	t.tac = v & 0x07
	after := t.input()
	if before && !after {
		t.incrementTIMA()
	}
}

// NextInterrupt returns a clock value at or before which the timer interrupt
// cannot fire; it never overestimates. Conservative: if the timer is
// disabled or mid-reload, callers can still safely wait that long.
func (t *Timer) NextInterrupt() uint64 {
	if t.reloadDelay > 0 {
		return t.lastClock + uint64(t.reloadDelay)
	}
	if t.tac&0x04 == 0 {
		return ^uint64(0)
	}
	bit := tacBit[t.tac&0x03]
	period := uint64(1) << (bit + 1)
	// Cycles remaining until the selected bit next falls, assuming TIMA does
	// not overflow before then would require full simulation; instead we
	// bound by the next possible edge, which is always <= the next real
	// overflow (TIMA only increments on edges), making this a safe
	// overapproximation to feed the scheduler only when TIMA is near 0xFF
	// is not computed exactly: callers should treat this as "next edge",
	// and re-check on each such wakeup.
	// The selected bit falls when the divider next reaches a multiple of period.
	phase := uint64(t.div) % period
	untilFall := period - phase
	return t.lastClock + untilFall
}

// SaveState serializes all fields in a fixed order for save-state round trips.
func (t *Timer) SaveState(buf []byte) []byte {
	buf = append(buf, byte(t.div), byte(t.div>>8))
	buf = append(buf, t.tima, t.tma, t.tac)
	buf = append(buf, byte(t.reloadDelay))
	var justReloaded byte
	if t.justReloaded {
		justReloaded = 1
	}
	buf = append(buf, justReloaded)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(t.lastClock>>(8*i)))
	}
	return buf
}

// LoadState consumes bytes written by SaveState and returns the remainder.
func (t *Timer) LoadState(buf []byte) []byte {
	if len(buf) < 15 {
		return buf
	}
	t.div = uint16(buf[0]) | uint16(buf[1])<<8
	t.tima, t.tma, t.tac = buf[2], buf[3], buf[4]
	t.reloadDelay = int(buf[5])
	t.justReloaded = buf[6] != 0
	var lastClock uint64
	for i := 0; i < 8; i++ {
		lastClock |= uint64(buf[7+i]) << (8 * i)
	}
	t.lastClock = lastClock
	return buf[15:]
}
