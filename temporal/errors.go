package temporal

import (
	stderrors "errors"
	"fmt"

	"github.com/c360/citysync/errors"
)

var (
	// ErrNoActiveEpoch is returned by CreateSnapshot when no epoch is active.
	ErrNoActiveEpoch = fmt.Errorf("temporal: no active epoch: %w", errors.ErrSnapshotPrecondition)

	// ErrEpochNotFound reports an unknown epoch id.
	ErrEpochNotFound = stderrors.New("temporal: epoch not found")

	// ErrEpochActive reports an operation that requires a finished epoch.
	ErrEpochActive = stderrors.New("temporal: epoch is active")

	// ErrIncompatibleFormat reports a persisted document from another major
	// format version.
	ErrIncompatibleFormat = fmt.Errorf("temporal: incompatible persistence format: %w", errors.ErrInvalidData)
)
