package ingestion

import "fmt"

// recordWireVersion is the leading uint16 version field of every on-the-wire data or
// control record, following the same kmsg-derived convention as codec.go's
// OffsetRecord/StoreVersionState encoding.
const recordWireVersion uint16 = 1

// AppendTo serializes a RecordPayload for the downstream producer (or, in
// tests, the in-memory upstream double). Control-message fields are only
// written for the record types that carry them.
func (p *RecordPayload) AppendTo(dst []byte) []byte {
	dst = appendUint16(dst, recordWireVersion)
	dst = append(dst, byte(p.Type))
	dst = appendBytes(dst, p.Key)
	dst = appendBytes(dst, p.Value)
	dst = appendInt64(dst, int64(p.ValueSchemaID))

	if p.HasProducerGUID {
		dst = append(dst, 1)
		dst = append(dst, p.ProducerGUID[:]...)
	} else {
		dst = append(dst, 0)
	}
	dst = appendString(dst, p.ProducerHostID)
	if p.HasUpstreamOffset {
		dst = append(dst, 1)
		dst = appendInt64(dst, p.UpstreamOffset)
	} else {
		dst = append(dst, 0)
	}
	dst = appendInt64(dst, int64(p.SegmentNumber))
	dst = appendInt64(dst, p.SequenceNumber)

	if p.TopicSwitch != nil {
		dst = append(dst, 1)
		dst = appendString(dst, p.TopicSwitch.SourceTopicName)
		dst = appendInt64(dst, int64(len(p.TopicSwitch.SourceKafkaServers)))
		for _, s := range p.TopicSwitch.SourceKafkaServers {
			dst = appendString(dst, s)
		}
		dst = appendInt64(dst, p.TopicSwitch.RewindStartTimestamp)
	} else {
		dst = append(dst, 0)
	}
	if p.ChunkedSOP {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return dst
}

// DecodeRecordPayload reverses RecordPayload.AppendTo, used by the Record
// Delegator to turn a raw UpstreamRecord.Value into the structured form it
// operates on.
func DecodeRecordPayload(b []byte) (RecordPayload, error) {
	r := &byteReader{b: b}
	version, err := r.uint16()
	if err != nil {
		return RecordPayload{}, fmt.Errorf("ingestion: decoding record payload: %w", err)
	}
	if version == 0 || version > recordWireVersion {
		return RecordPayload{}, fmt.Errorf("ingestion: unsupported record payload wire version %d", version)
	}
	if r.off >= len(r.b) {
		return RecordPayload{}, fmt.Errorf("ingestion: codec: truncated record payload")
	}

	var p RecordPayload
	p.Type = RecordType(r.b[r.off])
	r.off++

	if p.Key, err = r.bytes(); err != nil {
		return RecordPayload{}, err
	}
	if p.Value, err = r.bytes(); err != nil {
		return RecordPayload{}, err
	}
	schemaID, err := r.int64()
	if err != nil {
		return RecordPayload{}, err
	}
	p.ValueSchemaID = int32(schemaID)

	if r.off >= len(r.b) {
		return RecordPayload{}, fmt.Errorf("ingestion: codec: truncated record payload")
	}
	hasGUID := r.b[r.off]
	r.off++
	if hasGUID == 1 {
		if r.off+16 > len(r.b) {
			return RecordPayload{}, fmt.Errorf("ingestion: codec: truncated producer guid")
		}
		copy(p.ProducerGUID[:], r.b[r.off:r.off+16])
		p.HasProducerGUID = true
		r.off += 16
	}
	if p.ProducerHostID, err = r.string(); err != nil {
		return RecordPayload{}, err
	}

	if r.off >= len(r.b) {
		return RecordPayload{}, fmt.Errorf("ingestion: codec: truncated record payload")
	}
	hasUpstreamOffset := r.b[r.off]
	r.off++
	if hasUpstreamOffset == 1 {
		if p.UpstreamOffset, err = r.int64(); err != nil {
			return RecordPayload{}, err
		}
		p.HasUpstreamOffset = true
	}

	segNum, err := r.int64()
	if err != nil {
		return RecordPayload{}, err
	}
	p.SegmentNumber = int32(segNum)
	if p.SequenceNumber, err = r.int64(); err != nil {
		return RecordPayload{}, err
	}

	if r.off >= len(r.b) {
		return RecordPayload{}, fmt.Errorf("ingestion: codec: truncated record payload")
	}
	hasSwitch := r.b[r.off]
	r.off++
	if hasSwitch == 1 {
		ts := &TopicSwitch{}
		if ts.SourceTopicName, err = r.string(); err != nil {
			return RecordPayload{}, err
		}
		n, err := r.int64()
		if err != nil {
			return RecordPayload{}, err
		}
		for i := int64(0); i < n; i++ {
			s, err := r.string()
			if err != nil {
				return RecordPayload{}, err
			}
			ts.SourceKafkaServers = append(ts.SourceKafkaServers, s)
		}
		if ts.RewindStartTimestamp, err = r.int64(); err != nil {
			return RecordPayload{}, err
		}
		p.TopicSwitch = ts
	}

	if r.off < len(r.b) {
		p.ChunkedSOP = r.b[r.off] == 1
		r.off++
	}

	return p, nil
}
