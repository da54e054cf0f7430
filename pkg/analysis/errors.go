package analysis

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest matches every request validation failure. Invalid
// requests never reach a provider, the cache or the tracker.
var ErrInvalidRequest = errors.New("invalid analysis request")

var (
	ErrInvalidDaysBack     = fmt.Errorf("%w: days back out of range", ErrInvalidRequest)
	ErrInvalidAnalysisType = fmt.Errorf("%w: unsupported analysis type", ErrInvalidRequest)
	ErrInvalidModel        = fmt.Errorf("%w: unknown model", ErrInvalidRequest)
	ErrMissingSubject      = fmt.Errorf("%w: missing subject", ErrInvalidRequest)
)

// ErrLedgerUnavailable is returned when the subject's transactions could not
// be loaded.
var ErrLedgerUnavailable = errors.New("ledger unavailable")
