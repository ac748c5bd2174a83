package jbd2

// TransactionState tracks a transaction through its lifecycle.
type TransactionState int

const (
	// Running accepts write access and dirty marks.
	Running TransactionState = iota
	// Committing is mid-flight to the log.
	Committing
	// Committed is durable in the log.
	Committed
	// Checkpointed has been written home and its log space reclaimed.
	Checkpointed
)

// Transaction collects pre-images and an ordered dirty list between
// StartTransaction and Commit.
type Transaction struct {
	TID   uint32
	State TransactionState

	// preImages holds each block's on-disk bytes as of the first write
	// access. Later captures for the same block are ignored.
	preImages map[uint64][]byte
	// dirty is deduplicated and ordered by first-dirty order.
	dirty []uint64
}

// NewTransaction creates a running transaction.
func NewTransaction(tid uint32) *Transaction {
	return &Transaction{
		TID:       tid,
		State:     Running,
		preImages: make(map[uint64][]byte),
	}
}

// AddPreImage records the block's current bytes, once.
func (tx *Transaction) AddPreImage(block uint64, data []byte) {
	if _, ok := tx.preImages[block]; ok {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	tx.preImages[block] = cp
}

// PreImage returns the recorded pre-image for a block, or nil.
func (tx *Transaction) PreImage(block uint64) []byte {
	return tx.preImages[block]
}

// MarkDirty appends the block to the dirty list if it is not already there.
func (tx *Transaction) MarkDirty(block uint64) {
	for _, b := range tx.dirty {
		if b == block {
			return
		}
	}
	tx.dirty = append(tx.dirty, block)
}

// DirtyBlocks returns the ordered dirty list.
func (tx *Transaction) DirtyBlocks() []uint64 {
	return tx.dirty
}
