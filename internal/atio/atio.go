// Package atio enforces strict one-put-then-one-get serialization of AT
// command/response pairs over a control TTY, on top of internal/ttyio's
// line reader and writer.
package atio

import (
	"sync"
	"time"

	"github.com/udiald/udiald/internal/ttyio"
)

// Port is the subset of ttyio.Port a Transactor drives. Tests supply a fake
// satisfying this interface instead of a real serial line.
type Port interface {
	Write(cmd string) error
	Fd() int
	FlushInput() error
}

// Transactor serializes AT commands against a single control TTY: every
// Exec call writes exactly one command and then reads exactly one response
// before the next Exec may proceed, per the spec's "AT command/response
// pairs are strictly serialized" invariant.
type Transactor struct {
	port    Port
	timeout time.Duration

	mu sync.Mutex
}

// New returns a Transactor over port. timeout is the default per-command
// response deadline.
func New(port Port, timeout time.Duration) *Transactor {
	return &Transactor{port: port, timeout: timeout}
}

// Exec writes cmd and blocks for its response using the Transactor's
// default timeout. prefix is the result-line prefix ttyio.Read matches
// against (empty if the command has no multi-line result to extract).
func (t *Transactor) Exec(cmd, prefix string) (*ttyio.Buffer, ttyio.Terminator, error) {
	return t.ExecTimeout(cmd, prefix, t.timeout)
}

// ExecTimeout is Exec with a per-call timeout override, used by operations
// the spec gives a longer deadline than the default command timeout.
func (t *Transactor) ExecTimeout(cmd, prefix string, timeout time.Duration) (*ttyio.Buffer, ttyio.Terminator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.port.Write(cmd); err != nil {
		return nil, "", err
	}
	return ttyio.Read(t.port, prefix, timeout)
}

// FlushInput discards anything already queued in the control TTY's input
// buffer, serialized the same way a command/response pair is.
func (t *Transactor) FlushInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.FlushInput()
}
