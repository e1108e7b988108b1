// Package pmem
//
// (C) Copyright Alex Gaetano Padula
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package pmem

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"
)

// NullOffset marks the absence of a persistent-memory offset, the
// equivalent of kNullPMemOffset.
const NullOffset = ^uint64(0)

// RecordType tags what a DLRecord represents.
type RecordType uint8

const (
	SortedRecord RecordType = iota // collection header
	SortedElem                     // ordinary element
	Other
)

// RecordStatus tags the lifecycle state of a record's payload.
type RecordStatus uint8

const (
	Normal RecordStatus = iota
	Outdated
)

// On-media layout, little-endian. Checksum covers everything from
// bodyType onward; bodyOffset gives each field's position within that
// checksummed body (i.e. relative to byte 4 of the full record).
const (
	fullChecksum = 0 // uint32, not covered by its own checksum

	bodyType       = 0 // uint8
	bodyStatus     = 1 // uint8
	bodyKeyLen     = 2 // uint32
	bodyValueLen   = 6 // uint32
	bodyTimestamp  = 10 // uint64
	bodyPrev       = 18 // uint64
	bodyNext       = 26 // uint64
	bodyOldVersion = 34 // uint64
	bodyExpireAt   = 42 // uint64
	bodyFixedSize  = 50 // size of the fixed body before Key/Value

	ChecksumSize = 4
	HeaderSize   = ChecksumSize + bodyFixedSize // 54
)

// field offsets within the full record buffer (checksum + body), used by
// in-place repairs that rewrite a single field through the allocator.
const (
	FullOffsetPrev       = ChecksumSize + bodyPrev
	FullOffsetNext       = ChecksumSize + bodyNext
	FullOffsetOldVersion = ChecksumSize + bodyOldVersion
)

// DLRecord is the fixed-header + variable-payload unit of storage for
// sorted headers and elements. Prev, Next and OldVersion are all
// persistent-memory offsets; NullOffset means "no link".
type DLRecord struct {
	Type       RecordType
	Status     RecordStatus
	Key        []byte
	Value      []byte
	Timestamp  uint64
	Prev       uint64
	Next       uint64
	OldVersion uint64

	// ExpireAt is the absolute deadline, on the same clock as Timestamp
	// (UnixNano), after which the record is logically gone even though
	// Status still reads Normal. Zero means the record never expires.
	ExpireAt uint64

	checksum uint32
	offset   uint64 // cached PMem offset; NullOffset until persisted
}

// HasExpired reports whether the record's expiry deadline, if any, has
// already passed.
func (r *DLRecord) HasExpired() bool {
	return r.ExpireAt != 0 && r.ExpireAt <= uint64(time.Now().UnixNano())
}

// Offset returns the record's persistent-memory offset, or NullOffset if
// it has never been written to the arena.
func (r *DLRecord) Offset() uint64 { return r.offset }

// IsHeader reports whether this record is a collection root rather than an
// ordinary element.
func (r *DLRecord) IsHeader() bool { return r.Type == SortedRecord }

// IsSelfLinked reports whether prev and next both point back at this
// record, the signature of an empty collection header.
func (r *DLRecord) IsSelfLinked() bool {
	return r.offset != NullOffset && r.Prev == r.offset && r.Next == r.offset
}

// encodeBody writes everything after the checksum field.
func (r *DLRecord) encodeBody() []byte {
	body := make([]byte, bodyFixedSize+len(r.Key)+len(r.Value))

	body[bodyType] = byte(r.Type)
	body[bodyStatus] = byte(r.Status)
	binary.LittleEndian.PutUint32(body[bodyKeyLen:], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(body[bodyValueLen:], uint32(len(r.Value)))
	binary.LittleEndian.PutUint64(body[bodyTimestamp:], r.Timestamp)
	binary.LittleEndian.PutUint64(body[bodyPrev:], r.Prev)
	binary.LittleEndian.PutUint64(body[bodyNext:], r.Next)
	binary.LittleEndian.PutUint64(body[bodyOldVersion:], r.OldVersion)
	binary.LittleEndian.PutUint64(body[bodyExpireAt:], r.ExpireAt)
	copy(body[bodyFixedSize:], r.Key)
	copy(body[bodyFixedSize+len(r.Key):], r.Value)

	return body
}

// encode serializes the record into its on-media representation,
// computing and caching the checksum.
func (r *DLRecord) encode() []byte {
	body := r.encodeBody()
	r.checksum = crc32.ChecksumIEEE(body)

	buf := make([]byte, ChecksumSize+len(body))
	binary.LittleEndian.PutUint32(buf[fullChecksum:], r.checksum)
	copy(buf[ChecksumSize:], body)
	return buf
}

// decodeRecord parses an on-media buffer into a DLRecord without
// validating its checksum; call Validate separately.
func decodeRecord(buf []byte) (*DLRecord, error) {
	if len(buf) < HeaderSize {
		return nil, errors.New("pmem: truncated record header")
	}

	body := buf[ChecksumSize:]
	keyLen := binary.LittleEndian.Uint32(body[bodyKeyLen:])
	valueLen := binary.LittleEndian.Uint32(body[bodyValueLen:])
	want := HeaderSize + int(keyLen) + int(valueLen)
	if len(buf) < want {
		return nil, errors.New("pmem: truncated record payload")
	}

	r := &DLRecord{
		Type:       RecordType(body[bodyType]),
		Status:     RecordStatus(body[bodyStatus]),
		Timestamp:  binary.LittleEndian.Uint64(body[bodyTimestamp:]),
		Prev:       binary.LittleEndian.Uint64(body[bodyPrev:]),
		Next:       binary.LittleEndian.Uint64(body[bodyNext:]),
		OldVersion: binary.LittleEndian.Uint64(body[bodyOldVersion:]),
		ExpireAt:   binary.LittleEndian.Uint64(body[bodyExpireAt:]),
		checksum:   binary.LittleEndian.Uint32(buf[fullChecksum:]),
	}
	keyStart := HeaderSize
	valStart := keyStart + int(keyLen)
	r.Key = append([]byte(nil), buf[keyStart:valStart]...)
	r.Value = append([]byte(nil), buf[valStart:want]...)

	return r, nil
}

// Validate recomputes the CRC32 over the header (excluding the checksum
// field itself) and payload, reporting whether it matches the stored
// checksum. A mismatch is the signature of a torn write.
func (r *DLRecord) Validate() bool {
	if r.offset == NullOffset {
		// never persisted, nothing on media to validate against
		return true
	}
	return crc32.ChecksumIEEE(r.encodeBody()) == r.checksum
}
