package escrow

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// TaskIDToBytes32 maps an off-chain task id onto its escrow slot: the
// Keccak-256 digest of the id's UTF-8 bytes, identical to ethers'
// keccak256(toUtf8Bytes(id)).
func TaskIDToBytes32(taskID string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(taskID))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SlotHex renders the slot of taskID as a 0x-prefixed hex string.
func SlotHex(taskID string) string {
	slot := TaskIDToBytes32(taskID)
	return "0x" + hex.EncodeToString(slot[:])
}
