package gigavector

import (
	"errors"
	"fmt"

	"github.com/hupe1980/gigavector/index"
	"github.com/hupe1980/gigavector/resource"
)

var (
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("gigavector: database closed")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = index.ErrInvalidK

	// ErrNotFound is returned when an id does not exist or is deleted.
	ErrNotFound = index.ErrNotFound

	// ErrUntrained is returned by quantized indexes before training.
	ErrUntrained = index.ErrUntrained

	// ErrResourceLimit is returned when an insert would exceed a
	// configured resource cap.
	ErrResourceLimit = resource.ErrResourceLimit

	// ErrNotSparse is returned by sparse-vector operations when the
	// database hosts a dense index.
	ErrNotSparse = errors.New("gigavector: index does not store sparse vectors")

	// ErrNotDense is returned by dense-vector operations when the
	// database hosts a sparse index.
	ErrNotDense = errors.New("gigavector: index does not store dense vectors")

	// ErrSparseInMemoryOnly is returned when a sparse database is opened
	// with a snapshot path. Sparse indexes have no WAL representation and
	// live in memory; explicit snapshots still work through SaveTo.
	ErrSparseInMemoryOnly = errors.New("gigavector: sparse index supports in-memory databases only")
)

// ErrUnsupportedKind indicates an index kind the facade cannot host.
// KindMultiVector is reserved and not implemented.
type ErrUnsupportedKind struct {
	Kind index.Kind
}

func (e *ErrUnsupportedKind) Error() string {
	return fmt.Sprintf("unsupported index kind: %s", e.Kind)
}
