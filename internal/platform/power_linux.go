//go:build linux

package platform

import "golang.org/x/sys/unix"

type kernelPower struct{}

func (kernelPower) Restart() error {
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART)
}

func (kernelPower) PowerOff() error {
	unix.Sync()
	return unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}
