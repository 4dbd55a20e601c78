// Package storage opens the durable artifacts of a replica: the replicated
// log, the balance table and the term/vote metadata.
package storage

import (
	"errors"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log"

	"github.com/virajbhartiya/raftledger/pkg/fsm"
	"github.com/virajbhartiya/raftledger/pkg/ledger"
)

var log = logging.Logger("storage")

// ErrCorrupted is returned when the metadata store holds malformed values.
var ErrCorrupted = errors.New("storage: metadata corrupted")

const (
	LogFile     = "blockchain.log"
	BalanceFile = "balance.table"
	MetaFile    = "meta.db"
)

type Storage struct {
	Chain *ledger.Blockchain
	Table *fsm.BalanceTable
	Meta  *MetaStore
	dir   string
}

// Open loads every durable file under dataDir, creating missing ones.
// Any malformed file is reported as an error.
func Open(dataDir string, accounts int, initialBalance float64) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	chain, err := ledger.Load(filepath.Join(dataDir, LogFile))
	if err != nil {
		return nil, err
	}
	table, err := fsm.LoadBalanceTable(filepath.Join(dataDir, BalanceFile), accounts, initialBalance)
	if err != nil {
		return nil, err
	}
	meta, err := OpenMeta(filepath.Join(dataDir, MetaFile))
	if err != nil {
		return nil, err
	}

	log.Debugf("opened storage in %s", dataDir)
	return &Storage{
		Chain: chain,
		Table: table,
		Meta:  meta,
		dir:   dataDir,
	}, nil
}

func (s *Storage) Dir() string {
	return s.dir
}

func (s *Storage) Close() error {
	return s.Meta.Close()
}
