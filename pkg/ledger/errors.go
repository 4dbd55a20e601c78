package ledger

import "errors"

var (
	// ErrCorrupted is returned when the log file cannot be parsed.
	ErrCorrupted = errors.New("ledger: log file corrupted")

	// ErrIndexOutOfRange is returned when an index falls outside the log.
	ErrIndexOutOfRange = errors.New("ledger: index out of range")

	// ErrIndexOverflow is returned when a committed index does not fit the fixed-width header.
	ErrIndexOverflow = errors.New("ledger: committed index exceeds header width")

	// ErrCommittedTruncate is returned when a truncation would remove committed entries.
	ErrCommittedTruncate = errors.New("ledger: cannot truncate committed entries")
)
