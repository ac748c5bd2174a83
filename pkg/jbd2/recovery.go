package jbd2

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vorteil/vext4/pkg/csum"
)

// RecoverySummary reports what a replay did.
type RecoverySummary struct {
	ReplayedTransactions int
	ReplayedBlocks       int
}

// Recover replays the pending log. Starting at s_start with expected sequence
// s_sequence, each scan gathers descriptor tags and revoked blocks until a
// commit with the matching sequence closes the transaction; only then are the
// pending tags written to their home locations, skipping revoked targets,
// verifying tag checksums when the feature is on, and restoring the magic of
// escaped blocks. The scan stops at the first block whose magic or sequence
// no longer matches. On completion the superblock is written back clean.
func (j *Journal) Recover() (*RecoverySummary, error) {
	summary := &RecoverySummary{}
	if !j.NeedsRecovery() {
		return summary, nil
	}

	bs := j.dev.BlockSize()
	pos := j.sb.Start
	expected := j.sb.Sequence
	buf := make([]byte, bs)

	for {
		type pendingTag struct {
			blockNr  uint64
			dataPos  uint32
			flags    uint16
			checksum uint16
		}

		var pending []pendingTag
		revoked := make(map[uint64]bool)
		scanPos := pos
		committed := false

	scan:
		for {
			if err := j.readLogBlock(scanPos, buf); err != nil {
				return summary, err
			}
			hdr, err := ParseHeader(buf)
			if err != nil {
				break
			}
			if hdr.Magic != Magic || hdr.Sequence != expected {
				break
			}

			switch hdr.BlockType {
			case BlockTypeDescriptor:
				_, tags, err := ParseDescriptorBlock(buf, j.has64bit, j.hasCsum)
				if err != nil {
					return summary, err
				}
				dataPos := j.nextPos(scanPos)
				for _, tag := range tags {
					pending = append(pending, pendingTag{
						blockNr:  tag.BlockNr,
						dataPos:  dataPos,
						flags:    tag.Flags,
						checksum: tag.Checksum,
					})
					dataPos = j.nextPos(dataPos)
				}
				scanPos = dataPos

			case BlockTypeRevoke:
				_, blocks, err := ParseRevokeBlock(buf, j.has64bit)
				if err != nil {
					return summary, err
				}
				for _, block := range blocks {
					revoked[block] = true
				}
				scanPos = j.nextPos(scanPos)

			case BlockTypeCommit:
				committed = true
				scanPos = j.nextPos(scanPos)
				break scan

			default:
				break scan
			}
		}

		if !committed {
			break
		}

		for _, item := range pending {
			if revoked[item.blockNr] {
				continue
			}

			block := make([]byte, bs)
			if err := j.readLogBlock(item.dataPos, block); err != nil {
				return summary, err
			}
			if j.hasCsum {
				if uint16(csum.Sum(0, block)&0xFFFF) != item.checksum {
					return summary, errors.Wrapf(ErrInvalidChecksum, "block %d in transaction %d", item.blockNr, expected)
				}
			}
			if item.flags&TagFlagEscape != 0 && len(block) >= 4 {
				binary.BigEndian.PutUint32(block, Magic)
			}
			if err := j.dev.WriteBlock(item.blockNr, block); err != nil {
				return summary, err
			}
			summary.ReplayedBlocks++
		}

		summary.ReplayedTransactions++
		expected++
		pos = scanPos
	}

	if err := j.dev.Flush(); err != nil {
		return summary, err
	}

	j.sb.Start = 0
	j.sb.Sequence = expected
	j.nextTID = expected
	if err := j.writeSuperblock(); err != nil {
		return summary, err
	}

	j.log.Infof("journal: recovery replayed %d transactions (%d blocks)",
		summary.ReplayedTransactions, summary.ReplayedBlocks)
	return summary, nil
}
