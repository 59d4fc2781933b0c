// Package evderr defines the abstract error kinds shared by every layer of
// the reactor stack (spec §7). Components return one of these sentinels,
// optionally wrapped with github.com/pkg/errors for a stack trace, so
// callers can classify failures with errors.Is regardless of which layer
// produced them.
package evderr

import "github.com/pkg/errors"

// Kind is one of the abstract error kinds from spec.md §7.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	Cancelled          = &Kind{"cancelled"}
	WouldBlock         = &Kind{"would block"}
	Closed             = &Kind{"closed"}
	NotConnected       = &Kind{"not connected"}
	ConnectionRefused  = &Kind{"connection refused"}
	InvalidArgument    = &Kind{"invalid argument"}
	InvalidData        = &Kind{"invalid data"}
	NotSupported       = &Kind{"not supported"}
	Busy               = &Kind{"busy"}
	PollerFull         = &Kind{"poller full"}
	TlsHandshakeFailed = &Kind{"tls handshake failed"}
	ProtocolViolation  = &Kind{"protocol violation"}
	Unknown            = &Kind{"unknown"}
)

// Wrap annotates a Kind with context, preserving a stack trace the way the
// teacher wraps dial/accept errors with github.com/pkg/errors.
func Wrap(k *Kind, msg string) error {
	return errors.WithStack(&wrapped{kind: k, msg: msg})
}

// Wrapf is the formatted variant of Wrap.
func Wrapf(k *Kind, format string, args ...interface{}) error {
	return errors.WithStack(&wrapped{kind: k, msg: errors.Errorf(format, args...).Error()})
}

type wrapped struct {
	kind *Kind
	msg  string
}

func (w *wrapped) Error() string { return w.kind.name + ": " + w.msg }
func (w *wrapped) Unwrap() error { return w.kind }

// Is reports whether err (or something it wraps) is kind k.
func Is(err error, k *Kind) bool {
	return errors.Is(err, k)
}
