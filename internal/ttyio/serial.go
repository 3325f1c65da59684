package ttyio

import (
	"io"
	"os"
	"time"

	"github.com/nayarsystems/iotrace"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"golang.org/x/sys/unix"
)

// Port is an opened control TTY: a raw, non-blocking, 8-N-1 serial line
// configured the way the spec's §4.2 requires (enable receiver, 8-bit
// characters, ignore input parity, disable canonical mode/echo/echo-erase/
// signal generation, one-byte-minimum reads with no inter-character timer).
//
// Grounded on the teacher's cmd/vmodem/modem.go attachTTY for the
// open-a-serial-line entry point, and on the raw termios field names
// surveyed from Daedaluz-goserial for the exact flags this module needs
// that go.bug.st/serial's portable Mode struct does not expose.
type Port struct {
	f  *os.File
	fd int

	traceWriter io.Writer
}

// TraceHook receives a hex-dumpable chunk written to, or read from, the
// control TTY. It is only invoked when tracing is enabled via EnableTrace.
type TraceHook func(data []byte)

// EnableTrace wraps p's write path with an iotrace tracer so verbose/debug
// runs can log the exact bytes sent to the modem, the same instrumentation
// the teacher's cmd/vmodem/modem.go applies to its pty via
// iotrace.NewRWCTracer. Reads are not traced here: they are already
// observable as committed, classified lines via the session's logging.
func (p *Port) EnableTrace(writeHook TraceHook) {
	tracer := iotrace.NewRWCTracer(p.f, 16, 50*time.Millisecond, func(b []byte) {
		writeHook(b)
	}, func([]byte) {})
	p.traceWriter = tracer
}

// OpenControl opens path as the raw, non-blocking control TTY the AT reader
// drives. The fd is either negative (closed, on error) or refers to an
// open, fully configured line; there is no intermediate "opened but not
// configured" state, per the spec's ModemHandle/SessionState invariant.
func OpenControl(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open control tty %s", path)
	}
	if err := configureRaw(fd); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "configure control tty %s", path)
	}
	return &Port{f: os.NewFile(uintptr(fd), path), fd: fd}, nil
}

// configureRaw puts fd into raw 8-N-1 mode: CREAD|CS8 enabled, parity
// ignored on input, canonical mode/echo/echo-erase/signal-generation
// disabled, VMIN=1/VTIME=0 so a read blocks for at least one byte with no
// inter-character timer (the caller's poll enforces the overall timeout).
func configureRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Iflag |= unix.IGNPAR
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN | unix.ECHOE
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Fd returns the raw file descriptor, for ttyio.Read's poll(2)/read(2) loop.
func (p *Port) Fd() int { return p.fd }

// FlushInput discards any bytes already queued in the kernel's input buffer,
// the "flush input" step of the Reset phase before ATE0 is sent.
func (p *Port) FlushInput() error {
	return unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIFLUSH)
}

// Write transmits a fully-formed command; the caller supplies the trailing
// carriage return. Write fails if the underlying write is short.
func (p *Port) Write(cmd string) error {
	b := []byte(cmd)
	if p.traceWriter != nil {
		n, err := p.traceWriter.Write(b)
		if err != nil {
			return errors.Wrap(err, "write control tty")
		}
		if n != len(b) {
			return errors.Errorf("short write to control tty: wrote %d of %d bytes", n, len(b))
		}
		return nil
	}
	n, err := unix.Write(p.fd, b)
	if err != nil {
		return errors.Wrap(err, "write control tty")
	}
	if n != len(b) {
		return errors.Errorf("short write to control tty: wrote %d of %d bytes", n, len(b))
	}
	return nil
}

// Close releases the control fd. Close is idempotent; calling it twice (as
// both the session teardown and the signal-safe cleanup handler may) is
// safe.
func (p *Port) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := p.f.Close()
	p.fd = -1
	return err
}

// DataPortConfig is the subset of serial.Mode the link daemon's data TTY
// needs; unlike the control TTY this is a conventional framed line, so the
// portable go.bug.st/serial library (already in the teacher's dependency
// set) configures it directly rather than hand ioctl'ing termios.
type DataPortConfig struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

// DefaultDataPortConfig returns the 460800-8-N-1 configuration the link
// daemon config emitted by internal/linkproc expects of the data TTY.
func DefaultDataPortConfig() DataPortConfig {
	return DataPortConfig{
		BaudRate: 460800,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenData opens the data TTY for a sanity probe before handing its path to
// the link daemon (the daemon itself reopens the device; this module never
// holds the data fd across the dial phase).
func OpenData(path string, cfg DataPortConfig) (serial.Port, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open data tty %s", path)
	}
	return p, nil
}
