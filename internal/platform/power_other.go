//go:build !linux

package platform

type kernelPower struct{}

func (kernelPower) Restart() error  { return ErrUnsupported }
func (kernelPower) PowerOff() error { return ErrUnsupported }
