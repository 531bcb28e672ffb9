package trees

import (
	"errors"
	"fmt"
)

var (
	// ErrConstruction is returned when an extraction query yields no usable
	// rows. No tree is produced.
	ErrConstruction = errors.New("tree construction failed")
	// ErrUnknownID is returned when querying an id that was not indexed.
	ErrUnknownID = errors.New("id not indexed")
	// ErrNotPrecomputed is returned by Ms2Tree queries issued before
	// PrecomputeSimilarities.
	ErrNotPrecomputed = errors.New("similarities not precomputed")
	// ErrCorruptTree is returned when a tree file fails structural checks.
	ErrCorruptTree = errors.New("corrupt tree file")
)

// IncompatibleReloadError reports a persisted tree whose metadata does not
// match what the caller expected.
type IncompatibleReloadError struct {
	Path  string
	Field string
	Want  string
	Got   string
}

func (e *IncompatibleReloadError) Error() string {
	return fmt.Sprintf("incompatible tree file %s: %s is %q, expected %q", e.Path, e.Field, e.Got, e.Want)
}
