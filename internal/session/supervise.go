package session

import (
	"os"
	"strconv"
	"strings"

	"github.com/udiald/udiald/internal/errs"
	"github.com/udiald/udiald/internal/linkproc"
)

// supervise issues the operator-registration command once, then loops
// querying operator name and signal strength every SuperviseInterval,
// writing any change into the config store and draining the link child's
// stdout on the same cadence, until sig reports the signaled flag set or the
// child is found to have exited on its own. It never spawns a goroutine of
// its own: the loop body is the entirety of this phase's concurrency, per
// §5.
//
// It returns (nil, nil) when the loop ended because sig reported the
// signaled flag (a real SIGINT/SIGTERM/SIGHUP arrived; the caller still owns
// terminating the live child), or (res, nil) when it ended because the
// child had already exited on its own (res is its exit status) — SIGCHLD is
// deliberately never latched into the sticky signaled flag (sigplane's
// catch handler), so detecting child death here, by polling, is the only
// way the loop learns of it.
func (s *Session) supervise(proc *os.Process, sig SignalSource, childLog *linkproc.LogReader) (*linkproc.ExitResult, error) {
	if _, _, err := s.tr.Exec("AT+COPS=3,0\r", ""); err != nil {
		return nil, errs.Wrap(errs.Modem, err)
	}
	s.store.Set(configPkg, s.cfg.NetworkName, "connected", "1")

	var lastProvider string
	iteration := 0
	for {
		if sig != nil && sig.Signaled() {
			return nil, nil
		}
		if res, err := linkproc.PollExited(proc); err == nil && res != nil {
			return res, nil
		}

		buf, _, err := s.tr.Exec("AT+COPS?;+CSQ\r", "")
		if err != nil {
			return nil, errs.Wrap(errs.Modem, err)
		}
		iteration++
		lines := buf.Lines()
		if len(lines) >= 1 {
			if provider, ok := extractQuoted(lines[0]); ok && provider != lastProvider {
				lastProvider = provider
				s.store.Set(configPkg, s.cfg.NetworkName, "provider", provider)
				s.logf("carrier changed to %s", provider)
			}
		}
		if len(lines) >= 2 {
			if rssi, ok := extractLeadingInt(lines[1]); ok {
				s.store.SetInt(configPkg, s.cfg.NetworkName, "rssi", rssi)
				if iteration%4 == 0 {
					s.logf("signal strength rssi=%d", rssi)
				}
			}
		}

		if childLog != nil {
			drained, _ := childLog.Drain()
			for _, l := range drained {
				s.logf("link: %s", l)
			}
		}

		if sig != nil && sig.Signaled() {
			return nil, nil
		}
		if res, err := linkproc.PollExited(proc); err == nil && res != nil {
			return res, nil
		}
		s.sleepFn(s.cfg.SuperviseInterval)
	}
}

// extractQuoted returns the first double-quoted substring of line, the
// operator name out of a +COPS? result such as `+COPS: 0,0,"Carrier",2`.
func extractQuoted(line string) (string, bool) {
	start := strings.IndexByte(line, '"')
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(line[start+1:], '"')
	if end < 0 {
		return "", false
	}
	return line[start+1 : start+1+end], true
}

// extractLeadingInt parses the first comma-separated field after the first
// ':' in line, the rssi out of a +CSQ result such as `+CSQ: 18,99`.
func extractLeadingInt(line string) (int, bool) {
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		line = line[idx+1:]
	}
	field := strings.SplitN(strings.TrimSpace(line), ",", 2)[0]
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0, false
	}
	return n, true
}

// terminate hangs up the control line with a best-effort ATH;&F (ignoring
// any failure: the process is already tearing down) and, if the child is
// still alive (supervise returned because of a real signal rather than
// because the child had already exited), signals and reaps it per §4.5's
// Terminate phase. alreadyExited, when non-nil, is the exit status
// supervise already observed and is returned unchanged.
func (s *Session) terminate(proc *os.Process, alreadyExited *linkproc.ExitResult) (errs.Kind, error) {
	if s.tr != nil {
		s.tr.Exec("ATH;&F\r", "")
	}
	if alreadyExited != nil {
		return linkproc.Classify(alreadyExited), nil
	}
	if proc == nil {
		return errs.OK, nil
	}
	res, err := linkproc.TerminateAndReap(proc)
	if err != nil {
		return errs.Internal, err
	}
	return linkproc.Classify(res), nil
}
