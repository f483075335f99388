package types

import (
	"errors"
	"fmt"
)

// FailureKind classifies an error at a component boundary. The orchestrator
// pattern-matches on the kind to decide whether to continue, skip, or abort.
type FailureKind string

const (
	KindNetwork   FailureKind = "network"
	KindRepoState FailureKind = "repo-state"
	KindManifest  FailureKind = "manifest"
	KindBackup    FailureKind = "backup"
	KindModule    FailureKind = "module"
	KindRestore   FailureKind = "restore"
	KindTimeout   FailureKind = "timeout"
	KindNotFound  FailureKind = "not-found"
	KindInternal  FailureKind = "internal"
)

// KindError carries a FailureKind alongside the underlying error.
type KindError struct {
	Kind FailureKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// Errorf builds a KindError from a format string.
func Errorf(kind FailureKind, format string, args ...interface{}) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapKind attaches a kind to an existing error. Returns nil for nil.
func WrapKind(kind FailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the FailureKind from err, defaulting to KindInternal.
func KindOf(err error) FailureKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind FailureKind) bool {
	return err != nil && KindOf(err) == kind
}
