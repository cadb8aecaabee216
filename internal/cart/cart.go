package cart

import "fmt"

// Cartridge defines the minimal interface the Bus needs for ROM/RAM banking.
// Implementations can be ROM-only or MBC variants. Addresses are CPU addresses.
type Cartridge interface {
	// Read returns a byte for ROM (0x0000–0x7FFF) and external RAM (0xA000–0xBFFF).
	Read(addr uint16) byte
	// Write handles MBC control writes (0x0000–0x7FFF) and external RAM writes (0xA000–0xBFFF).
	Write(addr uint16, value byte)
	// SaveState/LoadState serialize internal banking registers and external RAM for save states.
	SaveState() []byte
	LoadState(data []byte)
}

// BatteryBacked is an optional interface for cartridges with external RAM to be persisted.
// Implementations should return a copy of RAM bytes (may be empty if no RAM), and accept data to load.
type BatteryBacked interface {
	SaveRAM() []byte
	LoadRAM(data []byte)
}

// UnsupportedMBCError is returned when a ROM header names an MBC variant this
// core does not implement. Callers should reject the ROM rather than guess
// at a fallback mapper.
type UnsupportedMBCError struct {
	CartType byte
	Name     string
}

func (e *UnsupportedMBCError) Error() string {
	return fmt.Sprintf("unsupported cartridge type 0x%02X (%s)", e.CartType, e.Name)
}

// NewCartridge picks an implementation based on the ROM header.
func NewCartridge(rom []byte) (Cartridge, error) {
	h, err := ParseHeader(rom)
	if err != nil {
		return NewROMOnly(rom), nil
	}
	switch h.CartType {
	case 0x00, 0x08, 0x09: // ROM only, optionally +RAM/+BATTERY
		return NewROMOnly(rom), nil
	case 0x01, 0x02, 0x03: // MBC1, MBC1+RAM, MBC1+RAM+BATTERY
		return NewMBC1(rom, h.RAMSizeBytes), nil
	case 0x05, 0x06: // MBC2, MBC2+BATTERY
		return NewMBC2(rom), nil
	case 0x0F, 0x10, 0x11, 0x12, 0x13: // MBC3 (+TIMER)(+RAM)(+BATTERY)
		return NewMBC3(rom, h.RAMSizeBytes), nil
	case 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E: // MBC5 variants
		return NewMBC5(rom, h.RAMSizeBytes), nil
	default:
		return nil, &UnsupportedMBCError{CartType: h.CartType, Name: h.CartTypeStr}
	}
}
