package common

import "encoding/binary"

// HashSerializer is a Serializer of the Hash type
type HashSerializer struct{}

func (a HashSerializer) ToBytes(hash Hash) []byte {
	return hash[:]
}
func (a HashSerializer) FromBytes(bytes []byte) Hash {
	var hash Hash
	copy(hash[:], bytes)
	return hash
}
func (a HashSerializer) Size() int {
	return HashSize
}

// EntryIDSerializer is a Serializer of the EntryID type. IDs are encoded
// big-endian so that they sort naturally in ordered key spaces.
type EntryIDSerializer struct{}

func (a EntryIDSerializer) ToBytes(id EntryID) []byte {
	return binary.BigEndian.AppendUint64([]byte{}, uint64(id))
}
func (a EntryIDSerializer) FromBytes(bytes []byte) EntryID {
	return EntryID(binary.BigEndian.Uint64(bytes))
}
func (a EntryIDSerializer) Size() int {
	return EntryIDSize
}

// Uint64Serializer is a Serializer of the uint64 type
type Uint64Serializer struct{}

func (a Uint64Serializer) ToBytes(value uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{}, value)
}
func (a Uint64Serializer) FromBytes(bytes []byte) uint64 {
	return binary.BigEndian.Uint64(bytes)
}
func (a Uint64Serializer) Size() int {
	return 8
}
