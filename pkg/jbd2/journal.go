package jbd2

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vorteil/vext4/pkg/blockdev"
	"github.com/vorteil/vext4/pkg/csum"
	"github.com/vorteil/vext4/pkg/elog"
)

// Journal drives a JBD2 log living at a fixed run of physical blocks on the
// same device as the filesystem. One transaction runs at a time; Commit
// writes descriptors, data copies, and a commit block to the circular log
// with flushes fencing the commit block.
type Journal struct {
	dev   blockdev.Device
	log   elog.Logger
	start uint64
	sb    *Superblock

	has64bit bool
	hasCsum  bool

	nextTID   uint32
	running   *Transaction
	committed []*Transaction
}

// JournalArgs configures New.
type JournalArgs struct {
	Device blockdev.Device
	// StartBlock is the physical block where the journal area begins
	// (journal-relative position 0, the journal superblock).
	StartBlock uint64
	Superblock *Superblock
	Has64Bit   bool
	HasCsum    bool
	Logger     elog.Logger
}

// New wraps an already-parsed journal. Use Open to read the superblock off
// the device first.
func New(args *JournalArgs) *Journal {
	log := args.Logger
	if log == nil {
		log = elog.Discard
	}
	return &Journal{
		dev:      args.Device,
		log:      log,
		start:    args.StartBlock,
		sb:       args.Superblock,
		has64bit: args.Has64Bit,
		hasCsum:  args.HasCsum,
		nextTID:  args.Superblock.Sequence,
	}
}

// Open reads and parses the journal superblock at startBlock and returns the
// journal around it.
func Open(dev blockdev.Device, startBlock uint64, has64bit, hasCsum bool, log elog.Logger) (*Journal, error) {
	buf := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(startBlock, buf); err != nil {
		return nil, err
	}
	sb, err := ParseSuperblock(buf)
	if err != nil {
		return nil, err
	}
	if int(sb.BlockSize) != dev.BlockSize() {
		return nil, errors.Wrapf(ErrCorruptLog, "journal block size %d, device block size %d", sb.BlockSize, dev.BlockSize())
	}
	return New(&JournalArgs{
		Device:     dev,
		StartBlock: startBlock,
		Superblock: sb,
		Has64Bit:   has64bit,
		HasCsum:    hasCsum,
		Logger:     log,
	}), nil
}

// Superblock returns the journal superblock.
func (j *Journal) Superblock() *Superblock {
	return j.sb
}

// NeedsRecovery reports whether the log holds committed transactions that
// were never checkpointed.
func (j *Journal) NeedsRecovery() bool {
	return !j.sb.Clean()
}

// StartTransaction returns the running transaction's TID, creating one if
// none is running. TIDs are monotonic and wrap at 32 bits.
func (j *Journal) StartTransaction() uint32 {
	if j.running != nil {
		return j.running.TID
	}
	tid := j.nextTID
	j.nextTID++
	j.running = NewTransaction(tid)
	return tid
}

func (j *Journal) tx(tid uint32) (*Transaction, error) {
	if j.running == nil {
		return nil, errors.Wrap(ErrCorruptLog, "no running transaction")
	}
	if j.running.TID != tid {
		return nil, errors.Wrapf(ErrCorruptLog, "transaction %d is not running", tid)
	}
	return j.running, nil
}

// GetWriteAccess captures the block's current on-disk bytes as its pre-image,
// once per block per transaction.
func (j *Journal) GetWriteAccess(tid uint32, block uint64) error {
	tx, err := j.tx(tid)
	if err != nil {
		return err
	}
	buf := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadBlock(block, buf); err != nil {
		return err
	}
	tx.AddPreImage(block, buf)
	return nil
}

// DirtyMetadata queues the block for logging at commit.
func (j *Journal) DirtyMetadata(tid uint32, block uint64) error {
	tx, err := j.tx(tid)
	if err != nil {
		return err
	}
	tx.MarkDirty(block)
	return nil
}

// Abort discards the running transaction without touching the log.
func (j *Journal) Abort(tid uint32) error {
	if _, err := j.tx(tid); err != nil {
		return err
	}
	j.running = nil
	return nil
}

// Commit writes the running transaction to the log: descriptor blocks with as
// many tags as fit, the escaped data copies after each descriptor, and a
// commit block, flushed before and after. On success the journal superblock's
// sequence and start advance and are written back.
func (j *Journal) Commit(tid uint32) error {
	tx, err := j.tx(tid)
	if err != nil {
		return err
	}
	if tx.State != Running {
		return errors.Wrapf(ErrCorruptLog, "transaction %d is not running", tid)
	}
	tx.State = Committing
	j.running = nil

	bs := j.dev.BlockSize()
	dirty := tx.DirtyBlocks()

	pos := j.sb.Start
	if pos == 0 {
		pos = j.sb.First
	}

	// Pre-serialize the data copies, escaping any block that opens with
	// the JBD2 magic so a future scan cannot mistake it for a log block.
	data := make([][]byte, len(dirty))
	baseFlags := make([]uint16, len(dirty))
	buf := make([]byte, bs)
	for i, block := range dirty {
		if err := j.dev.ReadBlock(block, buf); err != nil {
			return err
		}
		cp := make([]byte, bs)
		copy(cp, buf)
		if len(cp) >= 4 && binary.BigEndian.Uint32(cp) == Magic {
			binary.BigEndian.PutUint32(cp, 0)
			baseFlags[i] = TagFlagEscape
		}
		data[i] = cp
	}

	// Chunk the tags into as few descriptor blocks as possible.
	type chunk struct {
		descriptor []byte
		start, n   int
	}
	var chunks []chunk

	idx := 0
	for idx < len(dirty) {
		descriptor := make([]byte, bs)
		hdr := Header{Magic: Magic, BlockType: BlockTypeDescriptor, Sequence: tx.TID}
		hdr.Serialize(descriptor)

		start := idx
		off := 12
		for idx < len(dirty) {
			flags := baseFlags[idx]
			if idx > start {
				flags |= TagFlagSameUUID
			}
			need := tagSize(flags, j.has64bit, j.hasCsum)
			if off+need > bs {
				break
			}

			if idx+1 == len(dirty) {
				flags |= TagFlagLastTag
			} else {
				peek := baseFlags[idx+1] | TagFlagSameUUID
				if off+need+tagSize(peek, j.has64bit, j.hasCsum) > bs {
					flags |= TagFlagLastTag
				}
			}

			tag := Tag{BlockNr: dirty[idx], Flags: flags}
			if j.hasCsum {
				tag.Checksum = uint16(csum.Sum(0, data[idx]) & 0xFFFF)
			}
			off = writeTag(descriptor, off, tag, j.sb.UUID[:], j.has64bit, j.hasCsum)
			idx++
			if flags&TagFlagLastTag != 0 {
				break
			}
		}
		if idx == start {
			return errors.Wrap(ErrCorruptLog, "descriptor cannot fit a single tag")
		}
		chunks = append(chunks, chunk{descriptor: descriptor, start: start, n: idx - start})
	}

	for _, c := range chunks {
		if err := j.writeLogBlock(pos, c.descriptor); err != nil {
			return err
		}
		pos = j.nextPos(pos)
		for _, d := range data[c.start : c.start+c.n] {
			if err := j.writeLogBlock(pos, d); err != nil {
				return err
			}
			pos = j.nextPos(pos)
		}
	}

	if err := j.dev.Flush(); err != nil {
		return err
	}

	commit := make([]byte, bs)
	hdr := Header{Magic: Magic, BlockType: BlockTypeCommit, Sequence: tx.TID}
	hdr.Serialize(commit)
	if err := j.writeLogBlock(pos, commit); err != nil {
		return err
	}
	pos = j.nextPos(pos)
	if err := j.dev.Flush(); err != nil {
		return err
	}

	j.sb.Sequence = tx.TID + 1
	j.sb.Start = pos
	if err := j.writeSuperblock(); err != nil {
		return err
	}

	tx.State = Committed
	j.committed = append(j.committed, tx)
	j.log.Debugf("journal: committed transaction %d (%d blocks)", tx.TID, len(dirty))
	return nil
}

// Checkpoint marks all committed transactions checkpointed and declares the
// log clean. Callers run it once the home locations are known durable.
func (j *Journal) Checkpoint() (int, error) {
	count := 0
	for _, tx := range j.committed {
		if tx.State == Committed {
			tx.State = Checkpointed
			count++
		}
	}
	if count > 0 {
		j.sb.Start = 0
		if err := j.writeSuperblock(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (j *Journal) nextPos(pos uint32) uint32 {
	pos++
	if pos >= j.sb.MaxLen {
		pos = j.sb.First
	}
	return pos
}

func (j *Journal) writeLogBlock(pos uint32, data []byte) error {
	if pos < j.sb.First || pos >= j.sb.MaxLen {
		return errors.Wrapf(ErrCorruptLog, "log position %d outside [%d, %d)", pos, j.sb.First, j.sb.MaxLen)
	}
	return j.dev.WriteBlock(j.start+uint64(pos), data)
}

func (j *Journal) readLogBlock(pos uint32, buf []byte) error {
	return j.dev.ReadBlock(j.start+uint64(pos), buf)
}

// writeSuperblock read-modify-writes the journal superblock so untracked
// bytes survive.
func (j *Journal) writeSuperblock() error {
	buf := make([]byte, j.dev.BlockSize())
	if err := j.dev.ReadBlock(j.start, buf); err != nil {
		return err
	}
	if err := j.sb.Serialize(buf); err != nil {
		return err
	}
	return j.dev.WriteBlock(j.start, buf)
}
