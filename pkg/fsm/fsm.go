// Package fsm holds the state machine that committed log entries are applied to.
package fsm

import "github.com/virajbhartiya/raftledger/pkg/ledger"

// FSM is fed committed transactions strictly in log order.
type FSM interface {
	Apply(txn ledger.Transaction) error
	Balance(id int) float64
	Accounts() int
	Snapshot() []float64
	Restore(balances []float64) error
}

// Replay folds the given blocks over a table where every account starts at
// initial. It is the reference the live table must always equal.
func Replay(accounts int, initial float64, blocks []ledger.Block) []float64 {
	balances := make([]float64, accounts)
	for i := range balances {
		balances[i] = initial
	}
	for _, b := range blocks {
		if b.Txn.BalanceProbe {
			continue
		}
		balances[b.Txn.SenderID] -= b.Txn.Amount
		balances[b.Txn.ReceiverID] += b.Txn.Amount
	}
	return balances
}
