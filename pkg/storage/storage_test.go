package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/virajbhartiya/raftledger/pkg/ledger"
)

func TestMetaStoreDefaults(t *testing.T) {
	meta, err := OpenMeta(filepath.Join(t.TempDir(), MetaFile))
	if err != nil {
		t.Fatalf("OpenMeta failed: %v", err)
	}
	defer meta.Close()

	term, votedFor, err := meta.LoadState()
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if term != 0 || votedFor != NoVote {
		t.Errorf("LoadState = (%d, %d), want (0, %d)", term, votedFor, NoVote)
	}
}

func TestMetaStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetaFile)

	tests := []struct {
		term     uint64
		votedFor int
	}{
		{3, 1},
		{4, NoVote},
		{12, 0},
	}
	for _, tt := range tests {
		meta, err := OpenMeta(path)
		if err != nil {
			t.Fatalf("OpenMeta failed: %v", err)
		}
		if err := meta.SaveState(tt.term, tt.votedFor); err != nil {
			t.Fatalf("SaveState failed: %v", err)
		}
		meta.Close()

		meta, err = OpenMeta(path)
		if err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		term, votedFor, err := meta.LoadState()
		meta.Close()
		if err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		if term != tt.term || votedFor != tt.votedFor {
			t.Errorf("LoadState = (%d, %d), want (%d, %d)", term, votedFor, tt.term, tt.votedFor)
		}
	}
}

func TestOpenCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replica-0")

	s, err := Open(dir, 3, 10)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for _, name := range []string{LogFile, BalanceFile, MetaFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
	if s.Chain.CommittedIndex() != ledger.NoIndex {
		t.Errorf("CommittedIndex = %d", s.Chain.CommittedIndex())
	}
	if s.Table.Accounts() != 3 {
		t.Errorf("Accounts = %d, want 3", s.Table.Accounts())
	}
}

func TestOpenFailsOnCorruptLog(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, LogFile), []byte("garbage\n"), 0644)

	if _, err := Open(dir, 3, 10); err == nil {
		t.Fatal("Open should fail on a corrupt log")
	}
}
