package layered

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/bun31/nimbus-eth1/common"
)

// ErrMalformedEncoding indicates that a serialized filter could not be
// decoded. Malformed input is reported and never partially applied.
const ErrMalformedEncoding = common.ConstError("malformed filter encoding")

const filterEncodingVersion byte = 0

// filterEntryRLP is the wire form of one recorded entry. Tombstones are
// encoded as an empty blob with a zero hash, keeping them distinct from
// entries that are simply not recorded.
type filterEntryRLP struct {
	ID   uint64
	Blob []byte
	Hash common.Hash
}

// filterRLP is the wire form of a filter. Entries are sorted by ID so
// that the encoding of a filter is canonical.
type filterRLP struct {
	ID      uint64
	First   uint64
	Src     common.Hash
	Trg     common.Hash
	Top     uint64
	Entries []filterEntryRLP
}

// Serialize produces the flat byte encoding of the filter, consisting of
// a version byte followed by the RLP encoding of its content.
func (f *Filter) Serialize() ([]byte, error) {
	ids := maps.Keys(f.entries)
	slices.Sort(ids)
	enc := filterRLP{
		ID:      uint64(f.fid),
		First:   uint64(f.first),
		Src:     f.src,
		Trg:     f.trg,
		Top:     uint64(f.vtop),
		Entries: make([]filterEntryRLP, 0, len(ids)),
	}
	for _, id := range ids {
		entry := f.entries[id]
		enc.Entries = append(enc.Entries, filterEntryRLP{
			ID:   uint64(id),
			Blob: entry.Blob,
			Hash: entry.Hash,
		})
	}
	data, err := rlp.EncodeToBytes(&enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	return append([]byte{filterEncodingVersion}, data...), nil
}

// DeserializeFilter restores a filter from its Serialize encoding. The
// result is equal to the encoded filter; in particular tombstones are
// restored as tombstones, not as absent entries.
func DeserializeFilter(data []byte) (*Filter, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedEncoding)
	}
	if data[0] != filterEncodingVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedEncoding, data[0])
	}
	var dec filterRLP
	if err := rlp.DecodeBytes(data[1:], &dec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	entries := make(map[common.EntryID]Entry, len(dec.Entries))
	lastID := uint64(0)
	for i, entry := range dec.Entries {
		if i > 0 && entry.ID <= lastID {
			return nil, fmt.Errorf("%w: entries not sorted by ID", ErrMalformedEncoding)
		}
		lastID = entry.ID
		if len(entry.Blob) == 0 {
			if entry.Hash != (common.Hash{}) {
				return nil, fmt.Errorf("%w: tombstone of entry %d carries a content hash", ErrMalformedEncoding, entry.ID)
			}
		} else if entry.Hash != common.Keccak256(entry.Blob) {
			return nil, fmt.Errorf("%w: content hash of entry %d does not match its blob", ErrMalformedEncoding, entry.ID)
		}
		entries[common.EntryID(entry.ID)] = Entry{Blob: entry.Blob, Hash: entry.Hash}
	}
	return &Filter{
		fid:     FilterID(dec.ID),
		first:   FilterID(dec.First),
		src:     dec.Src,
		trg:     dec.Trg,
		entries: entries,
		vtop:    common.EntryID(dec.Top),
	}, nil
}
