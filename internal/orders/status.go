package orders

import "github.com/minimall/ledger/internal/ledger"

var validNext = map[ledger.Status]map[ledger.Status]bool{
	ledger.StatusPending:   {ledger.StatusPaid: true, ledger.StatusCancelled: true},
	ledger.StatusPaid:      {},
	ledger.StatusCancelled: {},
}

func CanTransition(from, to ledger.Status) bool {
	return validNext[from][to]
}
