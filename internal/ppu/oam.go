package ppu

// spriteEntry is one hit from OAM search: the raw attribute bytes plus enough
// derived info to drive the fetch later in the line.
type spriteEntry struct {
	y, x, tile, attr byte
	oamIndex         byte
}

// searchOAM scans all 40 sprites and returns up to 10, in the order the
// fetcher should service them: ascending X, OAM index breaking ties. Real
// hardware builds this buffer during mode 2 (80 dots); we do it in one shot
// when mode 2 begins since only the completion time (not the per-sprite
// stepping) is externally observable.
func (p *PPU) searchOAM() []spriteEntry {
	tall := p.lcdc&0x04 != 0
	height := byte(8)
	if tall {
		height = 16
	}
	line := p.ly

	var found []spriteEntry
	for i := 0; i < 40 && len(found) < 10; i++ {
		base := i * 4
		y := p.oam[base] - 16
		if line < y || line >= y+height {
			continue
		}
		found = append(found, spriteEntry{
			y:        y,
			x:        p.oam[base+1],
			tile:     p.oam[base+2],
			attr:     p.oam[base+3],
			oamIndex: byte(i),
		})
	}
	for i := 0; i < len(found); i++ {
		for j := i + 1; j < len(found); j++ {
			if found[j].x < found[i].x ||
				(found[j].x == found[i].x && found[j].oamIndex < found[i].oamIndex) {
				found[i], found[j] = found[j], found[i]
			}
		}
	}
	return found
}
