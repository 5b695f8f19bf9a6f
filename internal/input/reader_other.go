//go:build !linux

package input

import (
	"errors"
	"log/slog"
	"time"
)

type reader struct{}

func openReader(paths []string, poll time.Duration, handle func(Event), logger *slog.Logger) (*reader, error) {
	return nil, errors.New("input: evdev devices require linux")
}

func (r *reader) close() {}
