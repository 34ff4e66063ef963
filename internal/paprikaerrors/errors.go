// Package paprikaerrors defines the sentinel error values shared across
// paprika's subsystems: plain errors.New sentinels wrapped with
// fmt.Errorf("...: %w", err) at the call site rather than a custom
// error-type hierarchy.
package paprikaerrors

import "errors"

var (
	// ErrOutOfSpace is returned when an allocation would exceed the
	// backing store's size. The batch that triggered it remains valid
	// but over budget and should be dropped by the caller.
	ErrOutOfSpace = errors.New("paprika: out of space")

	// ErrVersionMismatch is returned by Open when the RootPage's version
	// byte does not equal the one version this build understands.
	ErrVersionMismatch = errors.New("paprika: version mismatch")

	// ErrStateNotFound is returned by begin_read_only_batch(hash) when no
	// root in the history ring matches the requested state hash.
	ErrStateNotFound = errors.New("paprika: state not found")

	// ErrPageTypeMismatch is returned when a page referenced as type X
	// carries a different page_type in its header. Fatal: the batch
	// that observes it must be aborted.
	ErrPageTypeMismatch = errors.New("paprika: page type mismatch")

	// ErrIntegrityViolation signals a broken structural invariant — e.g.
	// a structurally required Merkle node that reads back empty. Fatal.
	ErrIntegrityViolation = errors.New("paprika: integrity violation")

	// ErrMapFull names the condition in which a compaction still leaves
	// no room for a new SlottedArray entry. SlottedArray.TrySet reports
	// that condition as a false return rather than as this error. Not
	// fatal — the caller translates it into a split.
	ErrMapFull = errors.New("paprika: map full")

	// ErrDuplicateRegistration is returned when a page address is
	// registered for future reuse twice within the same batch — a bug in
	// the caller, not a recoverable condition.
	ErrDuplicateRegistration = errors.New("paprika: page registered for reuse twice in the same batch")
)
