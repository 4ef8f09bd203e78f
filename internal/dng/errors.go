package dng

import (
	"errors"
	"fmt"
)

var (
	// ErrBadFormat marks malformed input: opcode payloads, tile data, unsupported
	// pixel layouts for an opcode.
	ErrBadFormat = errors.New("dng: bad format")

	// ErrMemoryFull is returned by allocators that cannot satisfy a request.
	ErrMemoryFull = errors.New("dng: memory full")

	// ErrUserCanceled is returned by Host.SniffForAbort once the job is canceled.
	ErrUserCanceled = errors.New("dng: user canceled")
)

func badFormat(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadFormat, fmt.Sprintf(format, args...))
}
