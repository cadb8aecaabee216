package ui

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/FabianRolfMatthiasNoll/GameBoyEmulator/internal/emu"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
)

type App struct {
	cfg    Config
	m      *emu.Machine
	tex    *ebiten.Image
	paused bool
	fast   bool
	turbo  int  // turbo speed multiplier (1=off)
	skipOn bool // whether to skip rendering frames
	skipN  int  // render 1 of (skipN+1) frames
	skipCtr int // counter for frame skip

	curW, curH int // logical screen size, matched to Layout's return

	// timing
	lastTime   time.Time
	frameAcc   float64 // accumulated fractional frames
	audioMuted bool

	// audio
	audioCtx    *audio.Context
	audioPlayer *audio.Player
	audioSrc    *apuStream // for stats overlay

	// overlay/menu
	showMenu  bool
	menuIdx   int    // selection index for current menu
	menuMode  string // "main" | "slot" | "rom" | "keys" | "settings"
	showStats bool   // debug: show audio buffer stats
	// adaptive audio buffering
	targetFrames int // desired stereo frames in buffer
	stableTicks  int // ticks since last underrun

	// save-state slot management
	currentSlot int // 0..3

	// rom picker state
	romList []string
	romSel  int
	romOff  int // scroll offset for ROM list

	// keybindings state
	keysOff int // scroll offset for keybindings

	// settings edit state
	editingROMDir bool
	romDirInput   string
	settingsOff   int // scroll offset for settings list

	// toast feedback
	toastMsg   string
	toastUntil time.Time
}

func NewApp(cfg Config, m *emu.Machine) *App {
	cfg = loadSettings(cfg)
	cfg.Defaults()
	a := &App{cfg: cfg, m: m, curW: 160, curH: 144}
	ebiten.SetWindowTitle(cfg.Title)
	a.applyWindowSize()
	a.lastTime = time.Now()
	a.turbo = 1
	a.audioCtx = audio.NewContext(48000)
	if cfg.AudioBufferMs <= 0 {
		cfg.AudioBufferMs = 125
	}
	a.targetFrames = (cfg.AudioBufferMs * 48000) / 1000
	// If no ROM is loaded yet, open the ROM picker automatically.
	if m != nil && m.ROMPath() == "" {
		a.showMenu = true
		a.menuMode = "rom"
		a.romList = a.findROMs()
	}
	if m != nil && m.ROMPath() != "" {
		a.refreshWindowTitle()
	}
	a.romDirInput = cfg.ROMsDir
	return a
}

func (a *App) Run() error { return ebiten.RunGame(a) }

// SaveSettings persists current settings to disk.
func (a *App) SaveSettings() { a.saveSettings() }

// applyWindowSize resizes the OS window to the current integer scale factor.
func (a *App) applyWindowSize() {
	ebiten.SetWindowSize(a.curW*a.cfg.Scale, a.curH*a.cfg.Scale)
}

func (a *App) refreshWindowTitle() {
	title := a.cfg.Title
	if t := a.m.ROMTitle(); t != "" {
		title = a.cfg.Title + " - [" + t + "]"
	}
	ebiten.SetWindowTitle(title)
}

func (a *App) Update() error {
	if a.audioPlayer == nil {
		a.audioMuted = true
		a.m.APUClearAudioLatency()
		a.audioSrc = &apuStream{m: a.m, mono: !a.cfg.AudioStereo, muted: &a.audioMuted, lowLatency: a.cfg.AudioLowLatency}
		if p, err := a.audioCtx.NewPlayer(a.audioSrc); err == nil {
			a.audioPlayer = p
			a.applyPlayerBufferSize()
			a.audioPlayer.Play()
		}
	}

	if !a.showMenu {
		var btn emu.Buttons
		if ebiten.IsKeyPressed(ebiten.KeyRight) {
			btn.Right = true
		}
		if ebiten.IsKeyPressed(ebiten.KeyLeft) {
			btn.Left = true
		}
		if ebiten.IsKeyPressed(ebiten.KeyUp) {
			btn.Up = true
		}
		if ebiten.IsKeyPressed(ebiten.KeyDown) {
			btn.Down = true
		}
		if ebiten.IsKeyPressed(ebiten.KeyZ) {
			btn.A = true
		}
		if ebiten.IsKeyPressed(ebiten.KeyX) {
			btn.B = true
		}
		if ebiten.IsKeyPressed(ebiten.KeyEnter) {
			btn.Start = true
		}
		if ebiten.IsKeyPressed(ebiten.KeyShiftRight) {
			btn.Select = true
		}
		a.m.SetButtons(btn)
	} else {
		a.m.SetButtons(emu.Buttons{})
	}

	if inpututil.IsKeyJustPressed(ebiten.KeyP) {
		a.paused = !a.paused
	}
	prevFast := a.fast
	a.fast = ebiten.IsKeyPressed(ebiten.KeyTab)
	if inpututil.IsKeyJustPressed(ebiten.KeyF6) {
		if a.turbo > 1 {
			a.turbo--
		}
		a.toast(fmt.Sprintf("Turbo: x%d", a.turbo))
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF7) {
		if a.turbo < 10 {
			a.turbo++
		}
		a.toast(fmt.Sprintf("Turbo: x%d", a.turbo))
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF4) {
		a.skipOn = !a.skipOn
		a.toast(fmt.Sprintf("Frame skip: %v", map[bool]string{true: "On", false: "Off"}[a.skipOn]))
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyR) {
		a.m.ResetPostBoot()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyB) {
		a.m.ResetWithBoot()
	}
	if !a.showMenu && a.paused && inpututil.IsKeyJustPressed(ebiten.KeyN) {
		a.m.StepFrame()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyEscape) {
		a.showMenu = !a.showMenu
		if a.showMenu {
			a.menuMode = "main"
			a.menuIdx = 0
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF11) {
		ebiten.SetFullscreen(!ebiten.IsFullscreen())
	}
	for i, key := range []ebiten.Key{ebiten.Key1, ebiten.Key2, ebiten.Key3, ebiten.Key4} {
		if inpututil.IsKeyJustPressed(key) {
			a.currentSlot = i
			a.toast(fmt.Sprintf("Slot set to %d", i+1))
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF5) {
		if err := a.saveSlot(a.currentSlot); err == nil {
			a.toast(fmt.Sprintf("Saved slot %d", a.currentSlot+1))
		} else {
			a.toast("Save failed: " + err.Error())
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF9) {
		if _, err := os.Stat(a.statePath(a.currentSlot)); err != nil {
			a.toast("Slot is empty")
		} else if err := a.loadSlot(a.currentSlot); err == nil {
			a.toast(fmt.Sprintf("Loaded slot %d", a.currentSlot+1))
		} else {
			a.toast("Load failed: " + err.Error())
		}
	}

	muted := a.paused || a.showMenu
	if muted != a.audioMuted {
		a.audioMuted = muted
		a.lastTime = time.Now()
		a.frameAcc = 0
		a.m.APUClearAudioLatency()
	}

	if prevFast != a.fast {
		if a.fast {
			a.m.APUCapBufferedStereo(1920) // ~40ms at 48kHz
			a.applyPlayerBufferSize()
		} else {
			a.m.APUClearAudioLatency()
			a.applyPlayerBufferSize()
		}
	}

	if a.showMenu {
		switch a.menuMode {
		case "main":
			a.updateMainMenu()
			if a.menuMode == "main" && a.m.ROMPath() != "" {
				a.refreshWindowTitle()
			}
		case "slot":
			a.updateSlotMenu()
		case "rom":
			a.updateRomMenu()
		case "keys":
			a.updateKeysMenu()
		case "settings":
			a.updateSettingsMenu()
		}
	}

	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		_ = a.saveScreenshot()
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF8) {
		a.showStats = !a.showStats
	}

	if !a.showMenu && !a.paused {
		now := time.Now()
		dt := now.Sub(a.lastTime).Seconds()
		if dt < 0 {
			dt = 0
		}
		a.lastTime = now
		gbFps := 4194304.0 / 70224.0 // ~59.7275
		speed := 1.0
		if a.fast {
			speed = float64(max(2, a.turbo))
		}
		a.frameAcc += dt * gbFps * speed
		steps := 0
		for a.frameAcc >= 1.0 && steps < 10 { // cap to avoid spiral of death
			doRender := true
			if a.skipOn {
				if a.skipCtr < a.skipN {
					doRender = false
					a.skipCtr++
				} else {
					a.skipCtr = 0
				}
			}
			if doRender {
				a.m.StepFrame()
			} else {
				a.m.StepFrameNoRender()
			}
			a.frameAcc -= 1.0
			steps++
		}

		if a.cfg.AudioAdaptive && a.audioSrc != nil && !a.cfg.AudioLowLatency {
			maxFrames := 48000 * 200 / 1000 // ~9600
			if a.targetFrames > maxFrames {
				a.targetFrames = maxFrames
			}
			if a.audioSrc.underruns > 0 {
				a.stableTicks = 0
				if a.targetFrames < maxFrames {
					a.targetFrames += 800
					if a.targetFrames > maxFrames {
						a.targetFrames = maxFrames
					}
				}
				a.audioSrc.underruns = 0
			} else {
				a.stableTicks++
				if a.stableTicks > 90 {
					minFrames := 48000 * 40 / 1000 // ~40ms
					if a.targetFrames > minFrames {
						a.targetFrames -= 400
						if a.targetFrames < minFrames {
							a.targetFrames = minFrames
						}
					}
					a.stableTicks = 0
				}
			}
		}

		target := a.targetFrames
		if a.cfg.AudioLowLatency {
			target = 48000 * 35 / 1000 // ~35ms
		}
		if a.fast {
			ffTarget := 48000 * 30 / 1000 // ~30ms while fast-forwarding
			if target > ffTarget {
				target = ffTarget
			}
		}
		buffered := a.m.APUBufferedStereo()
		if a.audioMuted && buffered > 1024 { // ~20ms
			a.audioMuted = false
		}
		if a.cfg.AudioLowLatency {
			ceiling := target + 48000*10/1000 // target +10ms
			if buffered > ceiling {
				a.m.APUCapBufferedStereo(ceiling)
			}
		}
	}

	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	if a.tex == nil {
		a.tex = ebiten.NewImage(160, 144)
	}
	a.tex.WritePixels(a.m.Framebuffer())
	screen.DrawImage(a.tex, nil)

	if a.showStats {
		bf := a.m.APUBufferedStereo()
		ms := (bf * 1000) / 48000
		und, lp, lw := 0, 0, 0
		if a.audioSrc != nil {
			und = a.audioSrc.underruns
			lp = a.audioSrc.lastPulled
			lw = a.audioSrc.lastWant
		}
		ebitenutil.DebugPrintAt(screen, fmt.Sprintf("Buf: %d (~%dms)", bf, ms), 4, 4)
		ebitenutil.DebugPrintAt(screen, fmt.Sprintf("Under: %d  Read: %d/%d", und, lp, lw), 4, 18)
		ebitenutil.DebugPrintAt(screen, fmt.Sprintf("Turbo: x%d  Skip: %v", a.turbo, a.skipOn), 4, 32)
	}

	if a.toastMsg != "" && time.Now().Before(a.toastUntil) {
		msg := a.truncateText(a.toastMsg, a.maxCharsForText(6))
		ebitenutil.DebugPrintAt(screen, msg, 6, 4)
	}

	if a.showMenu {
		overlay := ebiten.NewImage(a.curW, a.curH)
		overlay.Fill(color.RGBA{0, 0, 0, 140})
		screen.DrawImage(overlay, nil)
		switch a.menuMode {
		case "main":
			a.drawMainMenu(screen)
		case "slot":
			a.drawSlotMenu(screen)
		case "rom":
			a.drawRomMenu(screen)
		case "keys":
			a.drawKeysMenu(screen)
		case "settings":
			a.drawSettingsMenu(screen)
		}
	}
}

// toast displays a short message at the top-left.
func (a *App) toast(msg string) {
	a.toastMsg = msg
	a.toastUntil = time.Now().Add(2 * time.Second)
}

// findROMs returns a sorted, de-duplicated list of ROM file paths under the
// configured ROMs directory, resolved relative to both the executable and
// the current working directory.
func (a *App) findROMs() []string {
	var files []string
	addFrom := func(dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ln := strings.ToLower(e.Name())
			if strings.HasSuffix(ln, ".gb") || strings.HasSuffix(ln, ".gbc") {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}
	exe, _ := os.Executable()
	exedir := filepath.Dir(exe)
	roms := a.cfg.ROMsDir
	if filepath.IsAbs(roms) {
		addFrom(roms)
	} else {
		addFrom(filepath.Join(exedir, roms))
		addFrom(roms)
	}
	sort.Strings(files)
	uniq := files[:0]
	seen := map[string]bool{}
	for _, p := range files {
		if seen[p] {
			continue
		}
		seen[p] = true
		uniq = append(uniq, p)
	}
	return uniq
}

// --- Settings persistence ---

func settingsPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		d := filepath.Join(dir, "gbemu")
		_ = os.MkdirAll(d, 0755)
		return filepath.Join(d, "settings.json")
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "gbemu_settings.json")
}

func loadSettings(override Config) Config {
	var cfg Config
	if b, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(b, &cfg)
	}
	if override.Title != "" {
		cfg.Title = override.Title
	}
	if override.Scale != 0 {
		cfg.Scale = override.Scale
	}
	if override.AudioBufferMs != 0 {
		cfg.AudioBufferMs = override.AudioBufferMs
	}
	if override.ROMsDir != "" {
		cfg.ROMsDir = override.ROMsDir
	}
	cfg.AudioStereo = override.AudioStereo || cfg.AudioStereo
	cfg.AudioAdaptive = override.AudioAdaptive || cfg.AudioAdaptive
	cfg.AudioLowLatency = override.AudioLowLatency || cfg.AudioLowLatency
	if cfg.Title == "" {
		cfg.Title = "gbemu"
	}
	return cfg
}

func (a *App) saveSettings() {
	if a == nil {
		return
	}
	b, _ := json.MarshalIndent(a.cfg, "", "  ")
	_ = os.WriteFile(settingsPath(), b, 0644)
}

// --- Save states (per-ROM, per-slot) ---

func (a *App) statePath(slot int) string {
	base := "unknown"
	if a.m != nil && a.m.ROMPath() != "" {
		base = a.m.ROMPath()
	}
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	return filepath.Join(dir, fmt.Sprintf("%s.slot%d.savestate", name, slot))
}

func (a *App) saveSlot(slot int) error {
	return a.m.SaveStateToFile(a.statePath(slot))
}

func (a *App) loadSlot(slot int) error {
	return a.m.LoadStateFromFile(a.statePath(slot))
}

func (a *App) Layout(outW, outH int) (int, int) { return a.curW, a.curH }

// maxCharsForText estimates how many characters fit on a line starting at
// left margin x, at ~6px per character for the debug font.
func (a *App) maxCharsForText(left int) int {
	w := a.curW - left - 4
	if w < 6 {
		return 1
	}
	return w / 6
}

// truncateText trims s to fit within max characters, appending "..." when truncated.
func (a *App) truncateText(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// wrapText wraps a string into lines no longer than max characters, breaking at spaces when possible.
func (a *App) wrapText(s string, max int) []string {
	if max <= 0 {
		return []string{""}
	}
	var lines []string
	for len(s) > 0 {
		if len(s) <= max {
			lines = append(lines, s)
			break
		}
		cut := -1
		for i := max; i >= 0 && i < len(s); i-- {
			if s[i] == ' ' {
				cut = i
				break
			}
			if i == 0 {
				break
			}
		}
		if cut == -1 || cut == 0 {
			lines = append(lines, s[:max])
			s = s[max:]
			continue
		}
		lines = append(lines, strings.TrimRight(s[:cut], " "))
		s = strings.TrimLeft(s[cut+1:], " ")
	}
	return lines
}

func (a *App) saveScreenshot() error {
	fb := a.m.Framebuffer()
	img := &image.RGBA{
		Pix:    make([]byte, len(fb)),
		Stride: 4 * 160,
		Rect:   image.Rect(0, 0, 160, 144),
	}
	copy(img.Pix, fb)
	name := fmt.Sprintf("screenshot_%s.png", time.Now().Format("20060102_150405"))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
