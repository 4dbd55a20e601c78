package fsm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log"

	"github.com/virajbhartiya/raftledger/pkg/ledger"
)

var log = logging.Logger("fsm")

// ErrCorrupted is returned when the balance file cannot be parsed.
var ErrCorrupted = errors.New("fsm: balance table corrupted")

// BalanceTable is a fixed-size table of account balances persisted as a
// single line of space separated amounts. Every mutation rewrites the file.
type BalanceTable struct {
	path     string
	balances []float64
}

// LoadBalanceTable reads the table at path, creating it with every account
// at initial when the file does not exist.
func LoadBalanceTable(path string, accounts int, initial float64) (*BalanceTable, error) {
	t := &BalanceTable{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		t.balances = make([]float64, accounts)
		for i := range t.balances {
			t.balances[i] = initial
		}
		if err := t.write(t.balances); err != nil {
			return nil, err
		}
		log.Debugf("created balance table at %s", path)
		return t, nil
	}
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(string(data))
	if len(fields) != accounts {
		return nil, fmt.Errorf("%w: %d balances, want %d", ErrCorrupted, len(fields), accounts)
	}
	t.balances = make([]float64, accounts)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: account %d: %v", ErrCorrupted, i, err)
		}
		t.balances[i] = v
	}
	return t, nil
}

// Balance returns the balance of account id. It panics if id is out of range.
func (t *BalanceTable) Balance(id int) float64 {
	t.check(id)
	return t.balances[id]
}

func (t *BalanceTable) SetBalance(id int, amount float64) error {
	t.check(id)
	next := t.Snapshot()
	next[id] = amount
	return t.commit(next)
}

// Transfer moves amount from sender to receiver. Overdrafts are allowed.
func (t *BalanceTable) Transfer(sender, receiver int, amount float64) error {
	t.check(sender)
	t.check(receiver)
	next := t.Snapshot()
	next[sender] -= amount
	next[receiver] += amount
	return t.commit(next)
}

// Apply applies one committed transaction. Balance probes leave the table untouched.
func (t *BalanceTable) Apply(txn ledger.Transaction) error {
	if txn.BalanceProbe {
		return nil
	}
	return t.Transfer(txn.SenderID, txn.ReceiverID, txn.Amount)
}

func (t *BalanceTable) Snapshot() []float64 {
	out := make([]float64, len(t.balances))
	copy(out, t.balances)
	return out
}

func (t *BalanceTable) Restore(balances []float64) error {
	if len(balances) != len(t.balances) {
		return fmt.Errorf("fsm: restore with %d balances, want %d", len(balances), len(t.balances))
	}
	next := make([]float64, len(balances))
	copy(next, balances)
	return t.commit(next)
}

func (t *BalanceTable) Accounts() int {
	return len(t.balances)
}

func (t *BalanceTable) check(id int) {
	if id < 0 || id >= len(t.balances) {
		panic(fmt.Sprintf("fsm: account %d out of range [0, %d)", id, len(t.balances)))
	}
}

// commit persists next and only then makes it the live table.
func (t *BalanceTable) commit(next []float64) error {
	if err := t.write(next); err != nil {
		return err
	}
	t.balances = next
	return nil
}

func (t *BalanceTable) write(balances []float64) error {
	var sb strings.Builder
	for i, b := range balances {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatFloat(b, 'f', -1, 64))
	}
	sb.WriteByte('\n')

	tmp := t.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(sb.String()); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, t.path)
}

var _ FSM = (*BalanceTable)(nil)
