// Package oplog persists downloaded sync operations and bucket metadata,
// and computes the 32-bit additive checksums the checkpoint protocol
// validates against.
package oplog

// AddChecksum folds delta into acc using 32-bit wraparound addition, the
// only arithmetic the checksum law requires.
func AddChecksum(acc, delta uint32) uint32 {
	return acc + delta
}

// SubChecksum removes delta from acc using 32-bit wraparound subtraction —
// used when an oplog row is superseded by a newer one for the same key.
func SubChecksum(acc, delta uint32) uint32 {
	return acc - delta
}

// NetChecksum is the bucket's checksum as reported to the checkpoint
// protocol: add_checksum (the accumulator for removed/superseded ops)
// plus op_checksum (the accumulator for currently live ops), mod 2^32.
func NetChecksum(addChecksum, opChecksum uint32) uint32 {
	return addChecksum + opChecksum
}
