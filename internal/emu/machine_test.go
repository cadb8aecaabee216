package emu

import "testing"

func TestMachine_LoadROMAndStepFrame(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := New(Config{})
	if err := m.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}

	m.StepFrame()

	fb := m.Framebuffer()
	if len(fb) != 160*144*4 {
		t.Fatalf("framebuffer size got %d want %d", len(fb), 160*144*4)
	}
	// A freshly booted, all-zero ROM leaves BGP at its post-boot default, so
	// every pixel should resolve to a valid shade's RGBA triple with full alpha.
	for i := 3; i < len(fb); i += 4 {
		if fb[i] != 0xFF {
			t.Fatalf("pixel %d alpha got %02x want ff", i/4, fb[i])
		}
	}
}

func TestMachine_SaveLoadStateRoundTrip(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := New(Config{})
	if err := m.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	m.StepFrame()

	blob := m.SaveState()
	if len(blob) == 0 {
		t.Fatal("expected a non-empty save state")
	}

	m2 := New(Config{})
	if err := m2.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM (second machine): %v", err)
	}
	if err := m2.LoadState(blob); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
}

func TestMachine_LoadStateRejectsTruncatedBlob(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := New(Config{})
	if err := m.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	if err := m.LoadState([]byte{1, 2}); err == nil {
		t.Fatal("expected an error loading a truncated save state")
	}
}

func TestMachine_BatteryRoundTripOnMBC1(t *testing.T) {
	rom := make([]byte, 0x8000)
	rom[0x0147] = 0x03 // MBC1+RAM+BATTERY
	rom[0x0149] = 0x02 // 8 KiB RAM

	m := New(Config{})
	if err := m.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}

	save := []byte{0xAA, 0xBB, 0xCC}
	padded := make([]byte, 8*1024)
	copy(padded, save)
	if !m.LoadBattery(padded) {
		t.Fatal("expected MBC1+BATTERY cartridge to accept battery RAM")
	}

	out, ok := m.SaveBattery()
	if !ok {
		t.Fatal("expected MBC1+BATTERY cartridge to expose battery RAM")
	}
	if out[0] != 0xAA || out[1] != 0xBB || out[2] != 0xCC {
		t.Fatalf("battery RAM round-trip mismatch: got %v", out[:3])
	}
}

func TestMachine_ROMOnlyHasNoBattery(t *testing.T) {
	rom := make([]byte, 0x8000) // CartType 0x00: ROM-only, no RAM
	m := New(Config{})
	if err := m.LoadROM(rom); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	if m.LoadBattery([]byte{1}) {
		t.Fatal("ROM-only cartridge should not accept battery RAM")
	}
	if _, ok := m.SaveBattery(); ok {
		t.Fatal("ROM-only cartridge should not report battery RAM")
	}
}
