//go:build linux

package input

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// reader multiplexes every device fd over one epoll instance in a single
// goroutine. EpollWait uses a finite timeout so close() is observed.
type reader struct {
	epfd   int
	fds    []int
	owned  bool
	stop   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func openReader(paths []string, poll time.Duration, handle func(Event), logger *slog.Logger) (*reader, error) {
	fds := make([]int, 0, len(paths))
	for _, p := range paths {
		fd, err := unix.Open(p, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err != nil {
			for _, fd := range fds {
				unix.Close(fd)
			}
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		fds = append(fds, fd)
	}
	r, err := startReader(fds, int(poll.Milliseconds()), handle, logger)
	if err != nil {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, err
	}
	r.owned = true
	return r, nil
}

// startReader registers fds with a fresh epoll instance and starts the loop.
func startReader(fds []int, pollMs int, handle func(Event), logger *slog.Logger) (*reader, error) {
	if len(fds) == 0 {
		return nil, ErrNoDevices
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	for _, fd := range fds {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(epfd)
			return nil, fmt.Errorf("epoll_ctl_add fd=%d: %w", fd, err)
		}
	}
	if pollMs <= 0 {
		pollMs = 200
	}

	r := &reader{
		epfd:   epfd,
		fds:    fds,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.loop(pollMs, handle)
	return r, nil
}

func (r *reader) loop(pollMs int, handle func(Event)) {
	defer close(r.done)

	const maxEvents = 8
	events := make([]unix.EpollEvent, maxEvents)
	buf := make([]byte, eventSize*16)
	// Hung-up fds are dropped from epoll; the rest keep working.
	live := len(r.fds)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, pollMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.logger.Error("epoll_wait failed", "err", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if events[i].Events&unix.EPOLLIN != 0 {
				r.drain(fd, buf, handle)
			}
			if events[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				r.logger.Warn("input device hung up", "fd", fd)
				unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
				live--
			}
		}
		if live == 0 {
			r.logger.Error("all input devices gone")
			return
		}
	}
}

func (r *reader) drain(fd int, buf []byte, handle func(Event)) {
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			for _, ev := range DecodeEvents(buf[:n]) {
				handle(ev)
			}
		}
		if err != nil || n < len(buf) {
			if err != nil && !errors.Is(err, unix.EAGAIN) {
				r.logger.Warn("input read failed", "fd", fd, "err", err)
			}
			return
		}
	}
}

func (r *reader) close() {
	close(r.stop)
	<-r.done
	unix.Close(r.epfd)
	if r.owned {
		for _, fd := range r.fds {
			unix.Close(fd)
		}
	}
}
