package ingestion

import "encoding/binary"

// schemaHeaderLen is the width of the big-endian schema id prefix every
// stored value carries.
const schemaHeaderLen = 4

// encodeSchemaValue prefixes value with its 4-byte big-endian schema id, the
// on-disk shape rewind detection compares against (byte-equal after the
// 4-byte schema header) and that write-compute produces for a resolved PUT.
func encodeSchemaValue(schemaID int32, value []byte) []byte {
	out := make([]byte, schemaHeaderLen+len(value))
	binary.BigEndian.PutUint32(out[:schemaHeaderLen], uint32(schemaID))
	copy(out[schemaHeaderLen:], value)
	return out
}

// decodeSchemaValue strips the 4-byte schema header off a stored value.
func decodeSchemaValue(stored []byte) (schemaID int32, value []byte, ok bool) {
	if len(stored) < schemaHeaderLen {
		return 0, nil, false
	}
	return int32(binary.BigEndian.Uint32(stored[:schemaHeaderLen])), stored[schemaHeaderLen:], true
}
