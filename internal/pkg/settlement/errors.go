package settlement

import (
	"errors"
	"fmt"

	"github.com/ManuelReschke/PayFox/app/models"
)

var (
	ErrAlreadyFinalized  = errors.New("settlement: already finalized")
	ErrNotFinalized      = errors.New("settlement: not finalized")
	ErrIncompleteRevenue = errors.New("settlement: revenue for the month is incomplete")
	ErrNotFound          = errors.New("settlement: not found")
	ErrActorRequired     = errors.New("settlement: actor required")
)

// ConflictError rejects a state transition. It unwraps to one of the
// sentinel errors above.
type ConflictError struct {
	Year, Month int
	Status      models.SettlementStatus
	Reason      string
	Err         error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("settlement %04d-%02d is %s: %s", e.Year, e.Month, e.Status, e.Reason)
}

func (e *ConflictError) Unwrap() error { return e.Err }
