package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Transaction is a single transfer between two accounts. A balance probe
// carries no transfer and only exists to order a balance read through the log.
type Transaction struct {
	SenderID     int
	ReceiverID   int
	Amount       float64
	BalanceProbe bool
}

func NewTransfer(sender, receiver int, amount float64) Transaction {
	return Transaction{SenderID: sender, ReceiverID: receiver, Amount: amount}
}

func NewBalanceProbe(account int) Transaction {
	return Transaction{SenderID: account, ReceiverID: account, BalanceProbe: true}
}

func (t Transaction) String() string {
	if t.BalanceProbe {
		return fmt.Sprintf("probe(account=%d)", t.SenderID)
	}
	return fmt.Sprintf("%d -> %d $%g", t.SenderID, t.ReceiverID, t.Amount)
}

func (t Transaction) serialize() string {
	return fmt.Sprintf("%d-%d-%f-%t", t.SenderID, t.ReceiverID, t.Amount, t.BalanceProbe)
}

// Block is one log entry. PrevHash and Nonce are informational only; nothing
// in replication or recovery verifies them.
type Block struct {
	Term     uint64
	Index    int
	PrevHash string
	Nonce    string
	Txn      Transaction
}

// Hash returns the hex sha256 digest of the block's transaction and nonce.
func (b Block) Hash() string {
	sum := sha256.Sum256([]byte(b.Txn.serialize() + b.Nonce))
	return hex.EncodeToString(sum[:])
}

func (b Block) String() string {
	return fmt.Sprintf("block{index=%d term=%d txn=%s phash=%.8s}", b.Index, b.Term, b.Txn, b.PrevHash)
}
