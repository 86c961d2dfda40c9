//go:build linux

package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Port is a Linux tty opened in raw mode.
// It is safe for concurrent use; Close unblocks any pending ReadTimeout.
type Port struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	config    Config
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd

	// fdMu is held shared while the raw fds are in use and exclusively
	// while Close releases them.
	fdMu sync.RWMutex
}

var _ Transport = (*Port)(nil)

// OpenPort opens and configures the device described by cfg.
// The port is configured for raw, low-latency, non-buffered operation.
func OpenPort(cfg Config) (*Port, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baud, _ := baudToUnix(cfg.BaudRate)

	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPermissionDenied, cfg.Device, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, cfg.Device, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: get termios: %v", ErrOpenFailed, err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CLOCAL | unix.CREAD | dataBitsToUnix(cfg.DataBits)

	if cfg.StopBits == 2 {
		termios.Cflag |= unix.CSTOPB
	}
	switch cfg.Parity {
	case ParityOdd:
		termios.Cflag |= unix.PARENB | unix.PARODD
	case ParityEven:
		termios.Cflag |= unix.PARENB
	}
	switch cfg.FlowControl {
	case FlowHardware:
		termios.Cflag |= unix.CRTSCTS
	case FlowSoftware:
		termios.Iflag |= unix.IXON | unix.IXOFF
	}

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud
	termios.Ispeed = baud
	termios.Ospeed = baud

	// Reads are gated by poll(2), so VMIN=1 VTIME=0 never stalls a ready fd.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: set termios: %v", ErrOpenFailed, err)
	}

	// Turn back into blocking mode now that config is done
	syscall.SetNonblock(fd, false)

	// Create self-pipe for killability
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("%w: pipe: %v", ErrOpenFailed, err)
	}

	return &Port{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

// Path returns the device path, e.g. /dev/ttyS4.
func (p *Port) Path() string { return p.config.Device }

// CountsAvailable reports whether the driver is trusted to report queued input.
func (p *Port) CountsAvailable() bool { return !p.config.NoAvailable }

// Available returns the number of bytes waiting in the input queue.
func (p *Port) Available() (int, error) {
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	if p.closed() {
		return 0, ErrClosed
	}
	n, err := unix.IoctlGetInt(p.fd, unix.TIOCINQ)
	if err != nil {
		return 0, fmt.Errorf("TIOCINQ: %w", err)
	}
	return n, nil
}

// ReadTimeout waits up to d for input and reads at most len(p) bytes.
// It returns (0, nil) on timeout and ErrClosed once the port is closed.
func (p *Port) ReadTimeout(buf []byte, d time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()
	if p.closed() {
		return 0, ErrClosed
	}
	pfd := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	n, err := unix.Poll(pfd, pollMillis(d))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if p.closed() || pfd[1].Revents&unix.POLLIN != 0 {
		return 0, ErrClosed
	}
	if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		return 0, nil
	}
	r, err := p.file.Read(buf)
	if err != nil {
		return r, err
	}
	if r == 0 {
		return 0, io.EOF
	}
	return r, nil
}

// Write writes p to the port. It goes through the *os.File, which keeps
// the fd alive for the duration of the call, so a blocked write does not
// hold up Close.
func (p *Port) Write(b []byte) (int, error) {
	if p.closed() {
		return 0, ErrClosed
	}
	n, err := p.file.Write(b)
	if errors.Is(err, os.ErrClosed) {
		return n, ErrClosed
	}
	return n, err
}

// Close closes the port and unblocks any ReadTimeout calls.
// Safe to call multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		// Wake up poll using self-pipe
		if p.pipeW > 0 {
			unix.Write(p.pipeW, []byte{1})
		}
		p.fdMu.Lock()
		defer p.fdMu.Unlock()
		if p.file != nil {
			err = p.file.Close()
		}
		if p.pipeR > 0 {
			unix.Close(p.pipeR)
		}
		if p.pipeW > 0 {
			unix.Close(p.pipeW)
		}
	})
	return err
}

func (p *Port) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func dataBitsToUnix(bits int) uint32 {
	switch bits {
	case 5:
		return unix.CS5
	case 6:
		return unix.CS6
	case 7:
		return unix.CS7
	default:
		return unix.CS8
	}
}

func baudToUnix(baud int) (uint32, bool) {
	switch baud {
	case 1200:
		return unix.B1200, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 921600:
		return unix.B921600, true
	default:
		return unix.B115200, false
	}
}

func defaultOpener(cfg Config) (Transport, error) {
	p, err := OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
