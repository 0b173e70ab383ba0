//go:build linux

package irqsource

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Uevent raises the interrupt when the kernel broadcasts a generation ID
// change over the kobject uevent netlink socket.
type Uevent struct {
	Logger *slog.Logger
}

const ueventKernelGroup = 1

// Bind opens the netlink socket. irq is used for logging.
func (u Uevent) Bind(irq uint32, handler func()) (io.Closer, error) {
	if handler == nil {
		return nil, fmt.Errorf("irqsource: nil handler")
	}
	log := u.Logger
	if log == nil {
		log = slog.Default()
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("irqsource: netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: ueventKernelGroup}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("irqsource: bind uevent socket: %w", err)
	}

	// A non-blocking descriptor joins the runtime poller, so Close
	// unblocks the reader.
	b := &ueventBinding{file: os.NewFile(uintptr(fd), "uevent"), done: make(chan struct{})}
	go b.run(irq, handler, log)
	return b, nil
}

type ueventBinding struct {
	file *os.File
	done chan struct{}
	once sync.Once
	err  error
}

func (b *ueventBinding) run(irq uint32, handler func(), log *slog.Logger) {
	defer close(b.done)
	pumpUevents(b.file, irq, handler, log)
}

// ueventRetryDelay paces reads after an unexpected socket error.
const ueventRetryDelay = 100 * time.Millisecond

// pumpUevents reads messages from r until it is closed. A failed read may
// have lost a message, so it raises the interrupt to force a re-check.
func pumpUevents(r io.Reader, irq uint32, handler func(), log *slog.Logger) {
	buf := make([]byte, 16*1024)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			log.Warn("irqsource uevent read failed", "irq", irq, "error", err)
			handler()
			if !errors.Is(err, unix.ENOBUFS) && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EAGAIN) {
				time.Sleep(ueventRetryDelay)
			}
			continue
		}
		if IsGenerationChange(buf[:n]) {
			log.Debug("irqsource uevent", "irq", irq)
			handler()
		}
	}
}

func (b *ueventBinding) Close() error {
	b.once.Do(func() {
		b.err = b.file.Close()
		<-b.done
	})
	return b.err
}
