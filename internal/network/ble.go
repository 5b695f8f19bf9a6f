package network

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// CommandProvisioner runs an external BLE provisioning helper for as long as
// config mode is active.
type CommandProvisioner struct {
	Argv   []string
	Logger *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *CommandProvisioner) Start() error {
	if len(p.Argv) == 0 {
		return errors.New("provisioner: empty command")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return nil
	}

	cmd := exec.Command(p.Argv[0], p.Argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("provisioner: %w", err)
	}
	done := make(chan struct{})
	p.cmd, p.done = cmd, done

	go func() {
		err := cmd.Wait()
		p.logger().Info("provisioner exited", "err", err)
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd, p.done = nil, nil
		}
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

func (p *CommandProvisioner) Stop() {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return
	}
	cmd.Process.Signal(os.Interrupt)
	<-done
}

func (p *CommandProvisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
