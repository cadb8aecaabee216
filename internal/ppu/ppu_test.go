package ppu

import "testing"

func TestModeSequenceSimpleLine(t *testing.T) {
	p := New(nil)
	p.WriteLCDC(0x80) // LCD on, everything else off: no sprites/window/BG stall
	if p.Mode() != modeOAM {
		t.Fatalf("expected mode 2 right after LCD on, got %d", p.Mode())
	}
	p.Tick(80)
	if p.Mode() != modeDraw {
		t.Fatalf("expected mode 3 at dot 80, got %d", p.Mode())
	}
	p.Tick(172)
	if p.Mode() != modeHBlank {
		t.Fatalf("expected mode 0 once 160 pixels are drawn, got %d", p.Mode())
	}
	p.Tick(456 - 252)
	if p.ReadLY() != 1 {
		t.Fatalf("expected LY=1 at line end, got %d", p.ReadLY())
	}
	if p.Mode() != modeOAM {
		t.Fatalf("expected mode 2 at new line, got %d", p.Mode())
	}
}

func TestVBlankIRQAndSTATEnable(t *testing.T) {
	var got []int
	p := New(func(bit int) { got = append(got, bit) })
	p.WriteSTAT(1 << 4) // STAT VBlank enable
	p.WriteLCDC(0x80)
	p.Tick(144 * 456)
	vb, st := false, false
	for _, b := range got {
		if b == 0 {
			vb = true
		}
		if b == 1 {
			st = true
		}
	}
	if !vb {
		t.Fatal("expected VBlank IF at LY=144")
	}
	if !st {
		t.Fatal("expected STAT IRQ on VBlank entry when enabled")
	}
}

func TestLYCCoincidenceRisingEdge(t *testing.T) {
	var got []int
	p := New(func(bit int) { got = append(got, bit) })
	p.WriteSTAT(1 << 6) // LYC interrupt enable
	p.WriteLYC(2)
	p.WriteLCDC(0x80)
	p.Tick(2 * 456)
	found := false
	for _, b := range got {
		if b == 1 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected STAT IRQ on LYC coincidence at LY=2")
	}
	if p.ReadSTAT()&0x04 == 0 {
		t.Fatal("expected coincidence flag set in STAT")
	}
}

func TestVRAMBlockedDuringDrawOAMDuringSearch(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0x8000, 0x11)
	p.WriteLCDC(0x80)
	if p.CPURead(0xFE00) != 0xFF {
		t.Fatal("expected OAM blocked during OAM search")
	}
	p.Tick(80)
	if p.CPURead(0x8000) != 0xFF {
		t.Fatal("expected VRAM blocked during draw")
	}
	p.Tick(172)
	if p.CPURead(0x8000) == 0xFF {
		t.Fatal("expected VRAM readable again in HBlank")
	}
	if p.CPURead(0x8000) != 0x11 {
		t.Fatal("expected VRAM contents preserved")
	}
}

func TestBackgroundTileRowComposesThroughPalette(t *testing.T) {
	p := New(nil)
	p.WriteBGP(0xE4) // standard ramp: colors 0,1,2,3 map to shades 0,1,2,3
	p.vram[0x0000] = 0xFF // tile 0 row 0: lo=0xFF
	p.vram[0x0001] = 0x00 // hi=0x00 -> every pixel color index 1
	p.WriteLCDC(0x91)     // LCD+BG on, 0x8000 addressing, BG map at 0x9800
	p.Tick(80 + 8)
	if p.framebuffer[0] != 1 {
		t.Fatalf("expected first pixel shade 1, got %d", p.framebuffer[0])
	}
}

func TestWindowActivatesAtWXAndAdvancesLine(t *testing.T) {
	p := New(nil)
	p.WriteLCDC(0x80 | 0x01 | 0x20) // LCD, BG, window on
	p.WriteWY(0)
	p.WriteWX(7) // window starts at screen column 0
	p.Tick(80)
	p.Tick(1)
	if !p.windowActiveLine {
		t.Fatal("expected window to activate when WX==7 and WY<=LY")
	}
}

func TestOAMSearchLimitsToTenSprites(t *testing.T) {
	p := New(nil)
	for i := 0; i < 40; i++ {
		base := i * 4
		p.oam[base] = 16 // Y=0 on screen, visible on line 0
		p.oam[base+1] = byte(8 + i)
	}
	p.ly = 0
	sprites := p.searchOAM()
	if len(sprites) != 10 {
		t.Fatalf("expected at most 10 sprites, got %d", len(sprites))
	}
}

func TestFrameDurationIsStandard(t *testing.T) {
	p := New(nil)
	p.WriteLCDC(0x80)
	startFrame := p.frame
	p.Tick(70224)
	if p.frame != startFrame+1 {
		t.Fatalf("expected exactly one frame to complete in 70224 dots, frame=%d", p.frame)
	}
	if p.ReadLY() != 0 {
		t.Fatalf("expected LY wrapped to 0, got %d", p.ReadLY())
	}
}
