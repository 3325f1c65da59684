// Package linkproc emits the point-to-point link daemon's configuration
// file, launches it, and reaps and classifies its exit.
//
// Grounded on the teacher's cmd/vmodem/modem.go, which builds a config from
// its Options struct, creates OS-level resources, and launches a
// long-running task; Launch follows the same "write an artifact, then
// exec.Command(...).Start(), hand back the running process" shape. Reap is
// grounded on golang.org/x/sys/unix, already indirectly required by the
// teacher's go.mod and directly used by its cmd/vmodem/pty_unix.go.
package linkproc

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaracil/nagle"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/udiald/udiald/internal/errs"
)

// Config bundles everything WriteConfigFile needs to emit the link daemon's
// config-file artifact. All int fields carry the post-default values from
// the §6 config-store table; WriteConfigFile applies only the per-field
// "emit if" rule, not the defaulting itself (uciconf.GetIntDefault does
// that).
type Config struct {
	NetworkName    string
	DataTTY        string
	BaudRate       int
	IfName         string
	SelfExe        string // resolved via os.Executable(), the connect re-invocation target
	User, Pass     string
	MTU            int // emit iff > 0
	PPPDOpt        []string
	DefaultRoute   int // emit "defaultroute" iff != 0
	ReplaceDefault int // emit "replacedefaultroute" iff != 0
	UsePeerDNS     int // emit "usepeerdns" iff != 0
	Persist        int // emit "persist" iff != 0
	Unit           int // emit "unit <n>" iff > 0
	MaxFail        int // emit "maxfail <n>" iff >= 0
	Holdoff        int // emit "holdoff <n>" iff >= 0
	NoRemoteIP     int // emit "noremoteip" iff != 0
}

// WriteConfigFile creates the link daemon's config file under dir, named
// after the network name and parentPID for uniqueness, with owner-only,
// exclusive-create semantics (refuses to overwrite a stale file from a
// previous run). It returns the path written.
func WriteConfigFile(dir string, cfg Config, parentPID int) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("udiald-%s-%d", cfg.NetworkName, parentPID))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", errors.Wrapf(err, "create link config %s", path)
	}
	defer f.Close()

	fmt.Fprintln(f, cfg.DataTTY)
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 460800
	}
	fmt.Fprintln(f, baud)
	fmt.Fprintln(f, "crtscts")
	fmt.Fprintln(f, "lock")
	fmt.Fprintln(f, "noauth")
	fmt.Fprintln(f, "noipdefault")
	fmt.Fprintln(f, "novj")
	fmt.Fprintln(f, "nodetach")

	if cfg.IfName != "" {
		fmt.Fprintf(f, "ifname %s\n", cfg.IfName)
	}

	fmt.Fprintf(f, "connect %s --dial -n %s\n", cfg.SelfExe, cfg.NetworkName)
	fmt.Fprintf(f, "linkname %s\n", cfg.NetworkName)
	fmt.Fprintf(f, "ipparam %s\n", cfg.NetworkName)

	if cfg.User != "" {
		fmt.Fprintf(f, "user %q\n", cfg.User)
	}
	if cfg.Pass != "" {
		fmt.Fprintf(f, "password %q\n", cfg.Pass)
	}
	if cfg.MTU > 0 {
		fmt.Fprintf(f, "mtu %d\n", cfg.MTU)
		fmt.Fprintf(f, "mru %d\n", cfg.MTU)
	}
	if cfg.DefaultRoute != 0 {
		fmt.Fprintln(f, "defaultroute")
	}
	if cfg.ReplaceDefault != 0 {
		fmt.Fprintln(f, "replacedefaultroute")
	}
	if cfg.UsePeerDNS != 0 {
		fmt.Fprintln(f, "usepeerdns")
	}
	if cfg.Persist != 0 {
		fmt.Fprintln(f, "persist")
	}
	if cfg.Unit > 0 {
		fmt.Fprintf(f, "unit %d\n", cfg.Unit)
	}
	if cfg.MaxFail >= 0 {
		fmt.Fprintf(f, "maxfail %d\n", cfg.MaxFail)
	}
	if cfg.Holdoff >= 0 {
		fmt.Fprintf(f, "holdoff %d\n", cfg.Holdoff)
	}
	if cfg.NoRemoteIP != 0 {
		fmt.Fprintln(f, "noremoteip")
	}
	for _, opt := range cfg.PPPDOpt {
		fmt.Fprintln(f, opt)
	}

	return path, nil
}

// stdoutOnlyRWC adapts the child's stdout pipe (read-only) to the
// io.ReadWriteCloser nagle.NewNagleWrapper expects; this supervisor never
// writes to the child, so Write is a no-op sink.
type stdoutOnlyRWC struct {
	io.ReadCloser
}

func (stdoutOnlyRWC) Write(p []byte) (int, error) { return len(p), nil }

// Launch fork-execs the link daemon at daemonPath with argv
// [daemonPath, "file", configPath] and returns its running *os.Process plus
// a non-blocking, Nagle-coalesced reader over its stdout, the way the
// supervise loop drains child log output without a dedicated goroutine (it
// reads from this on its own 15-second cadence, per §5's single-threaded
// concurrency model).
func Launch(daemonPath, configPath string) (*os.Process, io.ReadWriteCloser, error) {
	cmd := exec.Command(daemonPath, "file", configPath)
	cmd.Stdin = nil
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "pipe link daemon stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(err, "launch link daemon %s", daemonPath)
	}
	if f, ok := stdout.(*os.File); ok {
		unix.SetNonblock(int(f.Fd()), true)
	}

	wrapped := nagle.NewNagleWrapper(stdoutOnlyRWC{stdout}, 1024, 50*time.Millisecond)
	return cmd.Process, wrapped, nil
}

// LogReader accumulates the link daemon's stdout across repeated
// non-blocking reads and yields whole lines as they complete, so the
// supervise loop can log child output on its own cadence instead of
// spawning a reader goroutine.
type LogReader struct {
	rwc io.ReadWriteCloser
	buf []byte
}

// NewLogReader wraps the io.ReadWriteCloser Launch returned.
func NewLogReader(rwc io.ReadWriteCloser) *LogReader {
	return &LogReader{rwc: rwc}
}

// Drain performs one non-blocking read and returns any newline-terminated
// lines it completed. An empty pipe (EAGAIN/EWOULDBLOCK) or EOF is not an
// error; it simply yields no lines.
func (l *LogReader) Drain() ([]string, error) {
	chunk := make([]byte, 4096)
	n, err := l.rwc.Read(chunk)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read link daemon stdout")
	}
	l.buf = append(l.buf, chunk[:n]...)

	var lines []string
	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(l.buf[:idx]), "\r"))
		l.buf = l.buf[idx+1:]
	}
	return lines, nil
}

// Close releases the underlying pipe.
func (l *LogReader) Close() error {
	return l.rwc.Close()
}

// ExitResult is the decoded wait status of a reaped child.
type ExitResult struct {
	ExitCode int
	Signaled bool
	Signal   unix.Signal
}

// reap performs one Wait4 call with the given options.
func reap(pid int, options int) (*ExitResult, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, options, nil)
	if err != nil {
		return nil, errors.Wrap(err, "wait4 link daemon")
	}
	if wpid == 0 {
		// WNOHANG: child still running.
		return nil, nil
	}
	res := &ExitResult{}
	if ws.Signaled() {
		res.Signaled = true
		res.Signal = ws.Signal()
	} else {
		res.ExitCode = ws.ExitStatus()
	}
	return res, nil
}

// PollExited performs a single non-blocking reap check: nil, nil if proc is
// still running, or its ExitResult if it has already exited. The supervise
// loop calls this once per iteration to detect a child that died on its own
// (e.g. AUTH, exit 19) without depending on SIGCHLD delivery, since the
// signal-safe plane deliberately never latches SIGCHLD into the sticky
// signaled flag.
func PollExited(proc *os.Process) (*ExitResult, error) {
	return reap(proc.Pid, unix.WNOHANG)
}

// TerminateAndReap attempts a non-blocking reap first; if the child hasn't
// exited, it sends SIGTERM and reaps blocking, per §4.5's Terminate phase.
func TerminateAndReap(proc *os.Process) (*ExitResult, error) {
	res, err := reap(proc.Pid, unix.WNOHANG)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	if err := proc.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return nil, errors.Wrap(err, "signal link daemon")
	}
	return reap(proc.Pid, 0)
}

// ExitTranslation maps a link daemon exit code onto an errs.Kind, per the
// §6 table: 7 or 16 -> Modem, 8 -> Dial, 0 or 15 -> Network, 19 -> Auth,
// 5 -> Signaled (treated as a signal even though it arrives as a plain
// exit code). Anything else not covered here, or not in this table, falls
// through to PPP. A WIFSIGNALED exit is always Signaled regardless of this
// table.
var ExitTranslation = map[int]errs.Kind{
	0:  errs.Network,
	15: errs.Network,
	7:  errs.Modem,
	16: errs.Modem,
	8:  errs.Dial,
	19: errs.Auth,
	5:  errs.Signaled,
}

// Classify turns a reaped ExitResult into an errs.Kind.
func Classify(res *ExitResult) errs.Kind {
	if res.Signaled {
		return errs.Signaled
	}
	if k, ok := ExitTranslation[res.ExitCode]; ok {
		return k
	}
	return errs.PPP
}
