package power

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsSampler reads a Linux power_supply class directory
// (e.g. /sys/class/power_supply/BAT0).
type SysfsSampler struct {
	Dir string
}

func (s SysfsSampler) Sample() (Sample, error) {
	raw, err := readAttr(s.Dir, "capacity")
	if err != nil {
		return Sample{}, err
	}
	pct, err := strconv.Atoi(raw)
	if err != nil || pct < 0 || pct > 100 {
		return Sample{}, fmt.Errorf("invalid battery capacity %q", raw)
	}

	status, err := readAttr(s.Dir, "status")
	if err != nil {
		return Sample{}, err
	}

	out := Sample{Percent: pct}
	switch status {
	case "Full":
		out.Full = true
	case "Charging":
		out.Charging = true
	}
	return out, nil
}

func readAttr(dir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}
