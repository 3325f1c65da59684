package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/udiald/udiald/internal/errs"
	"github.com/udiald/udiald/internal/modetag"
	"github.com/udiald/udiald/internal/ttyio"
)

// reset flushes the control TTY's pending input and puts the modem into the
// known state ATE0 (echo off) leaves it in, per §4.5's Reset phase.
func (s *Session) reset() error {
	if err := s.tr.FlushInput(); err != nil {
		return errs.Wrap(errs.Modem, err)
	}
	if _, _, err := s.tr.Exec("ATE0\r", ""); err != nil {
		return errs.Wrap(errs.Modem, err)
	}
	return nil
}

// identify issues the manufacturer/model query and returns a combined
// identity string. Per the scenario 1 walkthrough (manufacturer line, model
// line, OK terminator — three committed lines total), the read must have
// committed at least three lines, the terminator line counting as one of
// the three.
func (s *Session) identify() (string, error) {
	buf, _, err := s.tr.Exec("AT+CGMI;+CGMM\r", "")
	if err != nil {
		return "", errs.Wrap(errs.Modem, err)
	}
	if buf.LineCount() < 3 {
		return "", errs.New(errs.Modem, "identify: modem returned too few lines")
	}
	lines := buf.Lines()
	return strings.TrimSpace(lines[0]) + " " + strings.TrimSpace(lines[1]), nil
}

// checkSIM issues AT+CPIN? and records the SIM's unlock state. A non-OK
// terminator or an unrecognized status line is recorded as SimError rather
// than propagated; the caller decides whether that is fatal for the current
// app mode.
func (s *Session) checkSIM() error {
	buf, term, err := s.tr.Exec("AT+CPIN?\r", "+CPIN: ")
	if err != nil {
		return errs.Wrap(errs.SIM, err)
	}
	if term != ttyio.TermOK {
		s.simState = SimError
		return nil
	}
	rl, ok := buf.ResultLine()
	if !ok {
		s.simState = SimError
		return nil
	}
	switch strings.TrimSpace(strings.TrimPrefix(rl, "+CPIN: ")) {
	case "READY":
		s.simState = SimReady
	case "SIM PIN":
		s.simState = SimWantsPIN
	case "SIM PUK":
		s.simState = SimWantsPUK
	default:
		s.simState = SimError
	}
	return nil
}

// enterPIN sends AT+CPIN="<pin>" and waits 5 seconds for the SIM to settle,
// per §4.5's Enter-PIN phase. An empty pin, a pin containing a forbidden
// character, or a pin matching the store's sticky failed_pin record is
// refused without ever touching the modem.
func (s *Session) enterPIN(pin string) error {
	if pin == "" {
		return errs.New(errs.Unlock, "no PIN configured")
	}
	if err := validateSecret(pin); err != nil {
		return errs.Wrap(errs.InvalidArg, err)
	}
	if failed, ok := s.store.Get(configPkg, s.cfg.NetworkName, "failed_pin"); ok && failed != "" && failed == pin {
		return errs.New(errs.Unlock, "PIN previously rejected by this SIM, refusing to retry")
	}
	_, term, err := s.tr.Exec(fmt.Sprintf(`AT+CPIN="%s"`+"\r", pin), "")
	if err != nil {
		return errs.Wrap(errs.Unlock, err)
	}
	if term != ttyio.TermOK {
		s.store.Set(configPkg, s.cfg.NetworkName, "failed_pin", pin)
		return errs.New(errs.Unlock, "PIN rejected by modem")
	}
	s.store.Set(configPkg, s.cfg.NetworkName, "failed_pin", "")
	s.sleepFn(5 * time.Second)
	return nil
}

// enterPUK sends the combined PUK/new-PIN unlock command. Called only when
// simState is SimWantsPUK and the app mode is ModeUnlockPUK.
func (s *Session) enterPUK(puk, newPin string) error {
	if puk == "" || newPin == "" {
		return errs.New(errs.InvalidArg, "PUK unlock requires both a PUK and a new PIN")
	}
	if err := validateSecret(puk); err != nil {
		return errs.Wrap(errs.InvalidArg, err)
	}
	if err := validateSecret(newPin); err != nil {
		return errs.Wrap(errs.InvalidArg, err)
	}
	_, term, err := s.tr.Exec(fmt.Sprintf(`AT+CPIN="%s","%s"`+"\r", puk, newPin), "")
	if err != nil {
		return errs.Wrap(errs.Unlock, err)
	}
	if term != ttyio.TermOK {
		return errs.New(errs.Unlock, "PUK rejected by modem")
	}
	s.simState = SimReady
	return nil
}

// capabilities issues AT+GCAP and records whether the modem reports the
// GSM command set.
func (s *Session) capabilities() error {
	buf, term, err := s.tr.Exec("AT+GCAP\r", "+GCAP: ")
	if err != nil {
		return errs.Wrap(errs.Modem, err)
	}
	if term != ttyio.TermOK {
		return errs.New(errs.Modem, "AT+GCAP failed")
	}
	rl, _ := buf.ResultLine()
	s.isGSM = strings.Contains(rl, "CGSM")
	return nil
}

// setMode sends the profile's literal AT command for tag. A profile that
// does not support tag at all is an InvalidArg; a profile mapping tag to the
// empty string (Open Question #3: a mode the device supports natively with
// no command needed) is a no-op success.
func (s *Session) setMode(tag modetag.Tag) error {
	if tag == modetag.Invalid {
		return errs.New(errs.InvalidArg, "unknown radio mode")
	}
	cmd, ok := s.handle.Profile.Commands[tag]
	if !ok {
		return errs.New(errs.InvalidArg, "profile "+s.handle.Profile.Name+" does not support mode "+tag.String())
	}
	if cmd == "" {
		return nil
	}
	_, term, err := s.tr.ExecTimeout(cmd+"\r", "", 5*time.Second)
	if err != nil {
		return errs.Wrap(errs.Modem, err)
	}
	if term != ttyio.TermOK {
		return errs.New(errs.Modem, "set-mode command rejected by modem")
	}
	return nil
}

// runProbeQueries issues the extra diagnostic AT commands --probe runs past
// the point a plain --scan would stop at: a read-only AT+CGSN (IMEI) query
// and an AT+COPS=? (available-operator list) query, per §4.5's probe-mode
// detail. Each is independent; a failure on one is logged and the other is
// still attempted, since probe is diagnostic and never aborts.
func (s *Session) runProbeQueries() {
	if !s.isGSM {
		return
	}
	s.runProbeQuery("AT+CGSN\r", "imei")
	s.runProbeQuery("AT+COPS=?\r", "available operators")
}

// runProbeQuery issues cmd and logs its response lines under label, or logs
// the failure, never returning an error: per §4.5, any AT failure in
// --probe is downgraded to a log line instead of propagating.
func (s *Session) runProbeQuery(cmd, label string) {
	buf, term, err := s.tr.Exec(cmd, "")
	if err != nil {
		s.logf("probe: %s query failed: %v", label, err)
		return
	}
	if term != ttyio.TermOK {
		s.logf("probe: %s query rejected by modem", label)
		return
	}
	for _, line := range buf.Lines() {
		s.logf("probe: %s: %s", label, line)
	}
}
