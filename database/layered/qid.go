package layered

import "fmt"

// QueueID is the address of one retention slot of the filter journal.
// It combines the retention tier with a position counter unique within
// the tier. Lower tiers hold fine-grained recent history, higher tiers
// hold coarser merged history.
type QueueID struct {
	Tier uint8
	Pos  uint64
}

// posBits is the number of bits of the packed representation reserved for
// the position; the remaining top byte carries the tier.
const posBits = 56

const posMask = uint64(1)<<posBits - 1

// Pack flattens the address into a single integer with the tier in the
// top byte. The packed form is used for stable on-disk addressing only;
// all in-memory bookkeeping works on the (tier, position) pair.
func (q QueueID) Pack() uint64 {
	return uint64(q.Tier)<<posBits | q.Pos&posMask
}

// UnpackQueueID is the inverse of Pack.
func UnpackQueueID(value uint64) QueueID {
	return QueueID{Tier: uint8(value >> posBits), Pos: value & posMask}
}

func (q QueueID) String() string {
	return fmt.Sprintf("%d:%d", q.Tier, q.Pos)
}
