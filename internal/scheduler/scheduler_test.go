package scheduler

import (
	"testing"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/bus"
)

func TestNextHorizon_MatchesBusNextInterrupt(t *testing.T) {
	rom := make([]byte, 0x8000)
	b, err := bus.New(rom)
	if err != nil {
		t.Fatal(err)
	}

	got := NextHorizon(b)
	want := b.NextInterrupt()
	if got != want {
		t.Fatalf("NextHorizon = %d, want %d (Bus.NextInterrupt)", got, want)
	}
	if got <= b.Clock() {
		t.Fatalf("NextHorizon %d should be ahead of current clock %d", got, b.Clock())
	}
}
