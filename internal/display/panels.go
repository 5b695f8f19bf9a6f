package display

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"ptalk/internal/state"
)

// ============================================================================
// Console panel
// ============================================================================

var (
	labelStyle = lipgloss.NewStyle().Bold(true)
	textStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("252"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

func interactionColor(s state.InteractionState) lipgloss.Color {
	switch s {
	case state.InteractionListening, state.InteractionTriggered:
		return lipgloss.Color("42")
	case state.InteractionProcessing:
		return lipgloss.Color("214")
	case state.InteractionSpeaking:
		return lipgloss.Color("39")
	case state.InteractionSleeping, state.InteractionMuted:
		return lipgloss.Color("240")
	default:
		return lipgloss.Color("255")
	}
}

func powerColor(s state.PowerState) lipgloss.Color {
	switch s {
	case state.PowerCritical, state.PowerError:
		return lipgloss.Color("196")
	case state.PowerCharging, state.PowerFullBattery:
		return lipgloss.Color("42")
	default:
		return lipgloss.Color("255")
	}
}

// ConsolePanel draws each frame as a bordered status box on a terminal.
type ConsolePanel struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsolePanel(w io.Writer) *ConsolePanel {
	if w == nil {
		w = os.Stdout
	}
	return &ConsolePanel{w: w}
}

func (p *ConsolePanel) Render(f Frame) error {
	out := boxStyle.Render(renderFrame(f))
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.w, out)
	return err
}

func renderFrame(f Frame) string {
	interaction := lipgloss.NewStyle().Bold(true).Foreground(interactionColor(f.Interaction)).
		Render(fmt.Sprintf("%s/%s", f.Interaction, f.Source))
	battery := "--%"
	if f.Battery >= 0 {
		battery = fmt.Sprintf("%d%%", f.Battery)
	}
	power := lipgloss.NewStyle().Foreground(powerColor(f.Power)).Render(fmt.Sprintf("%s %s", f.Power, battery))

	lines := []string{
		interaction + "  " + f.Emotion.String(),
		labelStyle.Render("net ") + f.Connectivity.String() + "  " + labelStyle.Render("sys ") + f.System.String(),
		labelStyle.Render("pwr ") + power,
	}
	if f.OTAProgress >= 0 {
		lines = append(lines, labelStyle.Render("ota ")+fmt.Sprintf("%d%%", f.OTAProgress))
	}
	if f.OTAError != "" {
		lines = append(lines, errStyle.Render("ota error: "+f.OTAError))
	}
	if f.Text != "" {
		lines = append(lines, textStyle.Render(f.Text))
	}
	return strings.Join(lines, "\n")
}

// ============================================================================
// Sysfs backlight
// ============================================================================

// SysfsBacklight writes a /sys/class/backlight/<dev> brightness attribute,
// scaled to max_brightness.
type SysfsBacklight struct {
	Dir string
}

func (b SysfsBacklight) SetBrightness(percent int) error {
	raw, err := os.ReadFile(filepath.Join(b.Dir, "max_brightness"))
	if err != nil {
		return fmt.Errorf("read max_brightness: %w", err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("parse max_brightness: %w", err)
	}
	level := percent * max / 100
	if err := os.WriteFile(filepath.Join(b.Dir, "brightness"), []byte(strconv.Itoa(level)), 0o644); err != nil {
		return fmt.Errorf("write brightness: %w", err)
	}
	return nil
}
