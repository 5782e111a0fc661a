package ingestion

import (
	"encoding/binary"
	"fmt"
)

// Wire versions for the schema-versioned binary records.
// Grounded on the kmsg wire-codec idiom (twmb/franz-go/pkg/kmsg): a leading
// version, then fixed/length-prefixed fields appended with encoding/binary,
// no reflection, no IDL toolchain required to regenerate.
const (
	offsetRecordWireVersion     uint16 = 1
	storeVersionStateWireVersion uint16 = 1
)

func appendUint16(dst []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(dst, b[:]...)
}

func appendInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

func appendBytes(dst []byte, v []byte) []byte {
	var lenB [4]byte
	binary.BigEndian.PutUint32(lenB[:], uint32(len(v)))
	dst = append(dst, lenB[:]...)
	return append(dst, v...)
}

func appendString(dst []byte, s string) []byte {
	return appendBytes(dst, []byte(s))
}

type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) uint16() (uint16, error) {
	if r.off+2 > len(r.b) {
		return 0, fmt.Errorf("ingestion: codec: truncated uint16")
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) int64() (int64, error) {
	if r.off+8 > len(r.b) {
		return 0, fmt.Errorf("ingestion: codec: truncated int64")
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return int64(v), nil
}

func (r *byteReader) bytes() ([]byte, error) {
	if r.off+4 > len(r.b) {
		return nil, fmt.Errorf("ingestion: codec: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint32(r.b[r.off:]))
	r.off += 4
	if n < 0 || r.off+n > len(r.b) {
		return nil, fmt.Errorf("ingestion: codec: truncated payload of length %d", n)
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *byteReader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AppendTo serializes r onto dst, returning the extended slice.
func (r *OffsetRecord) AppendTo(dst []byte) []byte {
	dst = appendUint16(dst, offsetRecordWireVersion)
	dst = appendInt64(dst, r.LocalVersionTopicOffset)
	dst = appendString(dst, r.LeaderTopic)

	dst = appendInt64(dst, int64(len(r.UpstreamOffsets)))
	for k, v := range r.UpstreamOffsets {
		dst = appendString(dst, k)
		dst = appendInt64(dst, v)
	}

	if r.HasLeaderProducerGUID {
		dst = append(dst, 1)
		dst = append(dst, r.LeaderProducerGUID[:]...)
	} else {
		dst = append(dst, 0)
	}
	dst = appendString(dst, r.LeaderHostID)

	dst = appendInt64(dst, int64(len(r.DivCheckpoints)))
	for k, v := range r.DivCheckpoints {
		dst = appendString(dst, k)
		dst = appendInt64(dst, int64(v.SegmentNumber))
		dst = appendInt64(dst, v.SequenceNumber)
	}
	return dst
}

// ReadOffsetRecord deserializes a record previously written by AppendTo.
// A wire version of 0 or newer than offsetRecordWireVersion is rejected with
// an error.
func ReadOffsetRecord(b []byte) (*OffsetRecord, error) {
	r := &byteReader{b: b}
	version, err := r.uint16()
	if err != nil {
		return nil, fmt.Errorf("ingestion: decoding offset record: %w", err)
	}
	if version == 0 || version > offsetRecordWireVersion {
		return nil, fmt.Errorf("ingestion: unsupported offset record wire version %d", version)
	}

	rec := NewOffsetRecord()
	if rec.LocalVersionTopicOffset, err = r.int64(); err != nil {
		return nil, err
	}
	if rec.LeaderTopic, err = r.string(); err != nil {
		return nil, err
	}
	n, err := r.int64()
	if err != nil {
		return nil, err
	}
	for i := int64(0); i < n; i++ {
		k, err := r.string()
		if err != nil {
			return nil, err
		}
		v, err := r.int64()
		if err != nil {
			return nil, err
		}
		rec.UpstreamOffsets[k] = v
	}

	if r.off < len(r.b) {
		hasGUID := r.b[r.off]
		r.off++
		if hasGUID == 1 {
			if r.off+16 > len(r.b) {
				return nil, fmt.Errorf("ingestion: codec: truncated producer guid")
			}
			copy(rec.LeaderProducerGUID[:], r.b[r.off:r.off+16])
			rec.HasLeaderProducerGUID = true
			r.off += 16
		}
		if rec.LeaderHostID, err = r.string(); err != nil {
			return nil, err
		}
	}

	if r.off < len(r.b) {
		numCheckpoints, err := r.int64()
		if err != nil {
			return nil, err
		}
		for i := int64(0); i < numCheckpoints; i++ {
			key, err := r.string()
			if err != nil {
				return nil, err
			}
			segNum, err := r.int64()
			if err != nil {
				return nil, err
			}
			seqNum, err := r.int64()
			if err != nil {
				return nil, err
			}
			rec.DivCheckpoints[key] = DivCheckpoint{SegmentNumber: int32(segNum), SequenceNumber: seqNum}
		}
	}

	return rec, nil
}

// AppendTo serializes a StoreVersionState onto dst.
func (s *StoreVersionState) AppendTo(dst []byte) []byte {
	dst = appendUint16(dst, storeVersionStateWireVersion)
	if s.ChunkingEnabled {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	dst = append(dst, byte(s.CompressionStrategy))

	if s.LastTopicSwitch != nil {
		dst = append(dst, 1)
		dst = appendString(dst, s.LastTopicSwitch.SourceTopicName)
		dst = appendInt64(dst, int64(len(s.LastTopicSwitch.SourceKafkaServers)))
		for _, srv := range s.LastTopicSwitch.SourceKafkaServers {
			dst = appendString(dst, srv)
		}
		dst = appendInt64(dst, s.LastTopicSwitch.RewindStartTimestamp)
	} else {
		dst = append(dst, 0)
	}
	return dst
}

// ReadStoreVersionState deserializes a StoreVersionState previously written
// by AppendTo.
func ReadStoreVersionState(b []byte) (*StoreVersionState, error) {
	r := &byteReader{b: b}
	version, err := r.uint16()
	if err != nil {
		return nil, fmt.Errorf("ingestion: decoding store version state: %w", err)
	}
	if version == 0 || version > storeVersionStateWireVersion {
		return nil, fmt.Errorf("ingestion: unsupported store version state wire version %d", version)
	}
	if r.off+2 > len(r.b) {
		return nil, fmt.Errorf("ingestion: codec: truncated store version state")
	}

	s := &StoreVersionState{}
	s.ChunkingEnabled = r.b[r.off] == 1
	r.off++
	s.CompressionStrategy = CompressionStrategy(r.b[r.off])
	r.off++

	hasSwitch := r.b[r.off]
	r.off++
	if hasSwitch == 1 {
		ts := &TopicSwitch{}
		if ts.SourceTopicName, err = r.string(); err != nil {
			return nil, err
		}
		n, err := r.int64()
		if err != nil {
			return nil, err
		}
		for i := int64(0); i < n; i++ {
			srv, err := r.string()
			if err != nil {
				return nil, err
			}
			ts.SourceKafkaServers = append(ts.SourceKafkaServers, srv)
		}
		if ts.RewindStartTimestamp, err = r.int64(); err != nil {
			return nil, err
		}
		s.LastTopicSwitch = ts
	}
	return s, nil
}
