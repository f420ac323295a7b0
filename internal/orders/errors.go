package orders

import "fmt"

// ValidationError: malformed or missing input. Never touches the ledger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CompensationError: a rollback of an already-committed step itself failed,
// leaving ledger state that no order accounts for. Fatal; logged for manual
// reconciliation and surfaced, never swallowed.
type CompensationError struct {
	Op      string // "release-stock" | "refund-credit"
	OrderID string
	Err     error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation %s failed for order %s: %v", e.Op, e.OrderID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// BadTransitionError: the requested order status change is not allowed.
type BadTransitionError struct {
	From, To string
}

func (e *BadTransitionError) Error() string {
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}
