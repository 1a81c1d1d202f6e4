package catalog

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrorKind classifies catalog failures for callers. Busy is the only
// retryable kind.
type ErrorKind string

const (
	KindOpen       ErrorKind = "open"
	KindBusy       ErrorKind = "busy"
	KindCorrupt    ErrorKind = "corrupt"
	KindConstraint ErrorKind = "constraint"
	KindNotFound   ErrorKind = "not_found"
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("catalog: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("catalog: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a missing-row catalog error.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == KindNotFound
}

func notFound(op string) error {
	return &Error{Kind: KindNotFound, Op: op}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) ErrorKind {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return KindBusy
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return KindCorrupt
		case sqlite3.ErrConstraint:
			return KindConstraint
		}
	}
	return KindOpen
}

// retryable reports whether a write should be reattempted.
func retryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindBusy
	}
	return classify(err) == KindBusy
}

const (
	busyMaxAttempts = 5
	busyDelayFloor  = 10 * time.Millisecond
	busyDelayCeil   = 200 * time.Millisecond
)

// busyDelay returns a deterministic jittered delay in [floor, ceil] for
// the given attempt. Seeded so tests are stable and two writers do not
// thunder in lockstep.
func busyDelay(seed string, attempt int) time.Duration {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", strings.TrimSpace(seed), attempt)))
	u := binary.BigEndian.Uint64(sum[:8])
	span := int64(busyDelayCeil - busyDelayFloor)
	return busyDelayFloor + time.Duration(int64(u%uint64(span)))
}
