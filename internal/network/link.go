package network

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const sysClassNet = "/sys/class/net"

func readSysfsOperstate(iface string) (string, error) {
	b, err := os.ReadFile(filepath.Join(sysClassNet, iface, "operstate"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (m *Manager) watchLink(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LinkPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLink()
		}
	}
}

// checkLink samples operstate. Drivers that do not report carrier show
// "unknown", which counts as up.
func (m *Manager) checkLink() {
	op, err := m.readOperstate(m.cfg.Interface)
	up := err == nil && (op == "up" || op == "unknown")

	if prev := m.linkUp.Swap(up); prev == up {
		return
	}
	if up {
		m.logger.Info("link up", "interface", m.cfg.Interface)
	} else {
		m.logger.Warn("link down", "interface", m.cfg.Interface, "operstate", op, "err", err)
		m.closeSession()
	}
	m.nudge()
}
