package session

import (
	"errors"
	"fmt"
)

// FailureKind classifies a session failure for presentation and for
// errors.Is matching.
type FailureKind string

const (
	PermissionDenied  FailureKind = "permission_denied"
	ScanFailure       FailureKind = "scan_failure"
	ConnectFailure    FailureKind = "connect_failure"
	DiscoveryFailure  FailureKind = "discovery_failure"
	DecodeFailure     FailureKind = "decode_failure"
	DisconnectFailure FailureKind = "disconnect_failure"
)

// Failure wraps an underlying error with a session-level classification.
// The session keeps at most one Failure visible at a time (LastError in
// the snapshot): a new failure overwrites an undismissed one.
type Failure struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Is allows errors.Is to compare Failure values by Kind.
func (f *Failure) Is(target error) bool {
	if f == nil {
		return false
	}
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return f.Kind == t.Kind
}

// Predefined sentinel failures for errors.Is comparisons.
var (
	ErrPermissionDenied = &Failure{Kind: PermissionDenied}
	ErrScanFailed       = &Failure{Kind: ScanFailure}
	ErrConnectFailed    = &Failure{Kind: ConnectFailure}
	ErrDiscoveryFailed  = &Failure{Kind: DiscoveryFailure}
	ErrDecodeFailed     = &Failure{Kind: DecodeFailure}
	ErrDisconnectFailed = &Failure{Kind: DisconnectFailure}
)

// Command rejection errors. These are returned synchronously by command
// methods when the session is in a state where the command cannot apply;
// they never touch session state.
var (
	ErrScanUnavailable    = errors.New("scan is only available while idle")
	ErrConnectUnavailable = errors.New("connect requires an idle or scanning session")
	ErrNotSubscribed      = errors.New("no active subscription to disconnect")
)

func failure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}
