package cart

// ROMOnly implements cartridge type 0x00: a plain ROM image with no memory
// bank controller and no external RAM. Writes to both the ROM control range
// and the (absent) external RAM window are simply dropped.
type ROMOnly struct {
	rom []byte
}

func NewROMOnly(rom []byte) *ROMOnly {
	return &ROMOnly{rom: rom}
}

func (c *ROMOnly) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		if int(addr) < len(c.rom) {
			return c.rom[addr]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		return 0xFF // no external RAM present
	default:
		return 0xFF
	}
}

func (c *ROMOnly) Write(addr uint16, value byte) {
	// no banking registers, no RAM: nothing to write
}

// SaveState/LoadState are no-ops: a ROM-only cartridge carries no mutable
// state beyond the fixed ROM image itself.
func (c *ROMOnly) SaveState() []byte     { return nil }
func (c *ROMOnly) LoadState(data []byte) {}
