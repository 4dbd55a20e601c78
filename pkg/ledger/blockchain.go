package ledger

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"os"
	"strconv"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("ledger")

const (
	// NoIndex marks the absence of an entry.
	NoIndex = -1

	// headerDigits is the number of digits of the committed index header.
	headerDigits = 4
	headerWidth  = headerDigits + 1
	maxCommitted = 9999
)

// Blockchain is the replicated log. The file starts with the committed index
// as a fixed-width signed decimal, followed by one encoded block per line.
//
// A Blockchain is not safe for concurrent use; the replica state machine is
// its only writer.
type Blockchain struct {
	path           string
	blocks         []Block
	committedIndex int
}

// Load opens the log at path, creating an empty log if the file is absent.
func Load(path string) (*Blockchain, error) {
	bc := &Blockchain{path: path, committedIndex: NoIndex}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := bc.rewrite(); err != nil {
			return nil, err
		}
		log.Debugf("created empty log at %s", path)
		return bc, nil
	}
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("%w: missing header", ErrCorrupted)
	}
	committed, err := parseHeader(scanner.Text())
	if err != nil {
		return nil, err
	}

	for scanner.Scan() {
		b, err := decodeBlock(scanner.Text())
		if err != nil {
			return nil, err
		}
		if b.Index != len(bc.blocks) {
			return nil, fmt.Errorf("%w: entry at line %d has index %d", ErrCorrupted, len(bc.blocks)+2, b.Index)
		}
		bc.blocks = append(bc.blocks, b)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if committed > bc.LastIndex() {
		return nil, fmt.Errorf("%w: committed index %d beyond last entry %d", ErrCorrupted, committed, bc.LastIndex())
	}
	bc.committedIndex = committed

	log.Infof("loaded log %s: %d entries, committed index %d", path, len(bc.blocks), committed)
	return bc, nil
}

// Append creates a block for txn at the end of the log and persists it.
func (bc *Blockchain) Append(term uint64, txn Transaction) (Block, error) {
	b := Block{
		Term:  term,
		Index: len(bc.blocks),
		Txn:   txn,
	}
	if len(bc.blocks) > 0 {
		b.PrevHash = bc.blocks[len(bc.blocks)-1].Hash()
	}

	line, err := encodeBlock(b)
	if err != nil {
		return Block{}, err
	}
	file, err := os.OpenFile(bc.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return Block{}, err
	}
	defer file.Close()

	if _, err := file.WriteString(line + "\n"); err != nil {
		return Block{}, err
	}
	if err := file.Sync(); err != nil {
		return Block{}, err
	}

	bc.blocks = append(bc.blocks, b)
	return b, nil
}

// TruncateAndReplace drops every entry with index >= from and appends
// replacement, reindexing it from position from. The whole file is rewritten.
func (bc *Blockchain) TruncateAndReplace(from int, replacement []Block) error {
	if from < 0 || from > len(bc.blocks) {
		return fmt.Errorf("%w: truncate from %d with length %d", ErrIndexOutOfRange, from, len(bc.blocks))
	}
	if from <= bc.committedIndex {
		return fmt.Errorf("%w: truncate from %d, committed %d", ErrCommittedTruncate, from, bc.committedIndex)
	}

	old := bc.blocks
	blocks := make([]Block, from, from+len(replacement))
	copy(blocks, old[:from])
	for i, b := range replacement {
		b.Index = from + i
		blocks = append(blocks, b)
	}

	bc.blocks = blocks
	if err := bc.rewrite(); err != nil {
		bc.blocks = old
		return err
	}
	log.Debugf("replaced log suffix from %d: dropped %d, wrote %d", from, len(old)-from, len(replacement))
	return nil
}

// SetCommittedIndex moves the committed index forward and persists it. An
// index lower than the current one is ignored.
func (bc *Blockchain) SetCommittedIndex(index int) error {
	if index < bc.committedIndex {
		log.Warnf("ignoring committed index %d lower than current %d", index, bc.committedIndex)
		return nil
	}
	if index == bc.committedIndex {
		return nil
	}
	if index > bc.LastIndex() {
		return fmt.Errorf("%w: commit %d with last index %d", ErrIndexOutOfRange, index, bc.LastIndex())
	}
	if index > maxCommitted {
		return ErrIndexOverflow
	}

	file, err := os.OpenFile(bc.path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.WriteAt([]byte(formatHeader(index)), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}
	bc.committedIndex = index
	return nil
}

// Block returns the entry at index. It panics if index is out of range.
func (bc *Blockchain) Block(index int) Block {
	if index < 0 || index >= len(bc.blocks) {
		panic(fmt.Sprintf("ledger: block index %d out of range [0, %d)", index, len(bc.blocks)))
	}
	return bc.blocks[index]
}

// Entries returns a copy of the entries from index onward.
func (bc *Blockchain) Entries(from int) []Block {
	if from < 0 {
		from = 0
	}
	if from >= len(bc.blocks) {
		return nil
	}
	out := make([]Block, len(bc.blocks)-from)
	copy(out, bc.blocks[from:])
	return out
}

func (bc *Blockchain) Len() int {
	return len(bc.blocks)
}

// LastIndex returns the index of the last entry, or NoIndex when empty.
func (bc *Blockchain) LastIndex() int {
	return len(bc.blocks) - 1
}

// LastTerm returns the term of the last entry, or 0 when empty.
func (bc *Blockchain) LastTerm() uint64 {
	if len(bc.blocks) == 0 {
		return 0
	}
	return bc.blocks[len(bc.blocks)-1].Term
}

func (bc *Blockchain) CommittedIndex() int {
	return bc.committedIndex
}

func (bc *Blockchain) Path() string {
	return bc.path
}

func (bc *Blockchain) rewrite() error {
	if bc.committedIndex > maxCommitted {
		return ErrIndexOverflow
	}

	var buf bytes.Buffer
	buf.WriteString(formatHeader(bc.committedIndex))
	buf.WriteByte('\n')
	for _, b := range bc.blocks {
		line, err := encodeBlock(b)
		if err != nil {
			return err
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	tmp := bc.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
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
	return os.Rename(tmp, bc.path)
}

func formatHeader(index int) string {
	return fmt.Sprintf("%+0*d", headerWidth, index)
}

func parseHeader(line string) (int, error) {
	if len(line) != headerWidth || (line[0] != '+' && line[0] != '-') {
		return 0, fmt.Errorf("%w: bad header %q", ErrCorrupted, line)
	}
	for _, c := range line[1:] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: bad header %q", ErrCorrupted, line)
		}
	}
	index, err := strconv.Atoi(line)
	if err != nil || index < NoIndex {
		return 0, fmt.Errorf("%w: bad header %q", ErrCorrupted, line)
	}
	return index, nil
}

func encodeBlock(b Block) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeBlock(line string) (Block, error) {
	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	var b Block
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&b); err != nil {
		return Block{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return b, nil
}
