package cart

// MBC2 has no external RAM chip; instead it carries 512x4 bits of built-in
// RAM at 0xA000-0xA1FF (mirrored through 0xBFFF), addressable only in the low
// nibble. RAM-enable and ROM-bank writes both land in 0x0000-0x3FFF; which
// one applies is selected by bit 8 of the write address.
type MBC2 struct {
	rom []byte
	ram [512]byte // low nibble significant

	ramEnabled bool
	romBank    byte // 4 bits, 0 maps to 1
}

func NewMBC2(rom []byte) *MBC2 {
	return &MBC2{rom: rom, romBank: 1}
}

func (m *MBC2) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x0F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		return 0xF0 | (m.ram[addr&0x1FF] & 0x0F)
	default:
		return 0xFF
	}
}

func (m *MBC2) Write(addr uint16, value byte) {
	switch {
	case addr < 0x4000:
		// Bit 8 of the address selects RAM-enable vs ROM-bank behavior.
		if addr&0x100 == 0 {
			m.ramEnabled = (value & 0x0F) == 0x0A
		} else {
			bank := value & 0x0F
			if bank == 0 {
				bank = 1
			}
			m.romBank = bank
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		m.ram[addr&0x1FF] = value & 0x0F
	}
}

func (m *MBC2) SaveState() []byte {
	var enabled byte
	if m.ramEnabled {
		enabled = 1
	}
	buf := []byte{enabled, m.romBank}
	return append(buf, m.ram[:]...)
}

func (m *MBC2) LoadState(data []byte) {
	if len(data) < 2+len(m.ram) {
		return
	}
	m.ramEnabled = data[0] != 0
	m.romBank = data[1]
	copy(m.ram[:], data[2:2+len(m.ram)])
}

func (m *MBC2) SaveRAM() []byte {
	out := make([]byte, len(m.ram))
	copy(out, m.ram[:])
	return out
}

func (m *MBC2) LoadRAM(data []byte) { copy(m.ram[:], data) }
