package fsm

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/virajbhartiya/raftledger/pkg/ledger"
)

func newTable(t *testing.T) *BalanceTable {
	t.Helper()
	table, err := LoadBalanceTable(filepath.Join(t.TempDir(), "balance.table"), 3, 10)
	if err != nil {
		t.Fatalf("LoadBalanceTable failed: %v", err)
	}
	return table
}

func TestLoadBalanceTableDefaults(t *testing.T) {
	table := newTable(t)

	want := []float64{10, 10, 10}
	if got := table.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot = %v, want %v", got, want)
	}

	data, err := os.ReadFile(table.path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "10 10 10\n" {
		t.Errorf("file = %q", data)
	}
}

func TestTransferPersists(t *testing.T) {
	table := newTable(t)

	if err := table.Transfer(0, 1, 5); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if err := table.Apply(ledger.NewTransfer(1, 2, 2.5)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	reloaded, err := LoadBalanceTable(table.path, 3, 10)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	want := []float64{5, 12.5, 12.5}
	if got := reloaded.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("reloaded = %v, want %v", got, want)
	}
}

func TestTransferAllowsOverdraft(t *testing.T) {
	table := newTable(t)

	if err := table.Transfer(0, 2, 25); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if got := table.Balance(0); got != -15 {
		t.Errorf("Balance(0) = %v, want -15", got)
	}
}

func TestApplyBalanceProbe(t *testing.T) {
	table := newTable(t)

	if err := table.Apply(ledger.NewBalanceProbe(1)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []float64{10, 10, 10}
	if got := table.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot = %v, want %v", got, want)
	}
}

func TestSetBalanceAndRestore(t *testing.T) {
	table := newTable(t)

	if err := table.SetBalance(2, 42); err != nil {
		t.Fatalf("SetBalance failed: %v", err)
	}
	if got := table.Balance(2); got != 42 {
		t.Errorf("Balance(2) = %v, want 42", got)
	}

	if err := table.Restore([]float64{1, 2, 3}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	reloaded, err := LoadBalanceTable(table.path, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Snapshot(); !reflect.DeepEqual(got, []float64{1, 2, 3}) {
		t.Errorf("reloaded = %v", got)
	}

	if err := table.Restore([]float64{1}); err == nil {
		t.Error("Restore with wrong size should fail")
	}
}

func TestBalanceOutOfRangePanics(t *testing.T) {
	table := newTable(t)

	for _, id := range []int{-1, 3} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Balance(%d) did not panic", id)
				}
			}()
			table.Balance(id)
		}()
	}
}

func TestLoadBalanceTableCorrupted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"too few", "10 10\n"},
		{"too many", "10 10 10 10\n"},
		{"not a number", "10 ten 10\n"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "balance.table")
			os.WriteFile(path, []byte(tt.content), 0644)
			if _, err := LoadBalanceTable(path, 3, 10); !errors.Is(err, ErrCorrupted) {
				t.Errorf("err = %v, want ErrCorrupted", err)
			}
		})
	}
}

func TestReplayMatchesLiveTable(t *testing.T) {
	table := newTable(t)
	blocks := []ledger.Block{
		{Index: 0, Txn: ledger.NewTransfer(0, 1, 5)},
		{Index: 1, Txn: ledger.NewBalanceProbe(0)},
		{Index: 2, Txn: ledger.NewTransfer(2, 0, 1.25)},
	}
	for _, b := range blocks {
		if err := table.Apply(b.Txn); err != nil {
			t.Fatal(err)
		}
	}

	replayed := Replay(3, 10, blocks)
	if !reflect.DeepEqual(replayed, table.Snapshot()) {
		t.Errorf("Replay = %v, live = %v", replayed, table.Snapshot())
	}
}
