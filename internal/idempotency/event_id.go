package idempotency

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

const eventIDPrefixV1 = "accessq.event.v1"

// EventIDV1 computes the id stamped on every published access event.
//
//	eventId = keccak256("accessq.event.v1" || kind || 0x00 || subject || 0x00 || seqBE64)
//
// subject is the resource id or lease id the event is about. Redelivered copies
// of one event carry the same id, so consumers can drop duplicates.
func EventIDV1(kind, subject string, seq uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventIDPrefixV1))
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(subject))
	_, _ = h.Write([]byte{0})

	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	_, _ = h.Write(s[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EventIDHex is EventIDV1 as 0x-prefixed lowercase hex.
func EventIDHex(kind, subject string, seq uint64) string {
	id := EventIDV1(kind, subject, seq)
	return "0x" + hex.EncodeToString(id[:])
}
