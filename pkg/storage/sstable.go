// Package storage is the read/write facade over the version-managed
// LSM store: it encodes sstables, uploads them to the object store,
// registers them with the version manager and serves point and range
// reads against pinned versions.
package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// OpType tags one entry as a value or a tombstone.
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
)

// Entry is one versioned record inside an sstable. Entries are ordered
// by user key ascending, then epoch descending, so the newest write of
// a key is encountered first.
type Entry struct {
	Key   []byte
	Epoch uint64
	Op    OpType
	Value []byte
}

// entryLess is the canonical entry order.
func entryLess(a, b Entry) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.Epoch > b.Epoch
}

// encodedSize is the wire footprint of one entry.
func (e Entry) encodedSize() int {
	return 4 + len(e.Key) + 8 + 1 + 4 + len(e.Value)
}

const (
	sstableMagic   uint32 = 0x48554d4b // "HUMK"
	formatVersion  byte   = 1
	compressionOff byte   = 0
	compressionSnp byte   = 1
)

var (
	ErrCorruptSstable = errors.New("storage: corrupt sstable")
	// ErrUnknownCompression means the blob names an algorithm this
	// build does not speak.
	ErrUnknownCompression = errors.New("storage: unknown compression algorithm")
)

// bloomFalsePositiveRate is fixed for all files; tuning it per level
// has not been worth the format churn.
const bloomFalsePositiveRate = 0.01

// EncodeSstable serializes sorted entries into one self-describing
// blob:
//
//	magic u32 | version u8 | compression u8 | hashCount u8 |
//	bloomLen u32 | bloom | payloadLen u32 | payload | crc u32
//
// The payload is the length-prefixed entry stream, optionally snappy
// compressed; the crc covers the stored (possibly compressed) payload.
func EncodeSstable(entries []Entry, compressionName string) ([]byte, error) {
	compression, err := compressionByte(compressionName)
	if err != nil {
		return nil, err
	}

	bloom := newBloomFilter(len(entries), bloomFalsePositiveRate)
	var payload bytes.Buffer
	var scratch [8]byte
	for i := range entries {
		e := &entries[i]
		bloom.Add(e.Key)

		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Key)))
		payload.Write(scratch[:4])
		payload.Write(e.Key)
		binary.LittleEndian.PutUint64(scratch[:8], e.Epoch)
		payload.Write(scratch[:8])
		payload.WriteByte(byte(e.Op))
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Value)))
		payload.Write(scratch[:4])
		payload.Write(e.Value)
	}

	body := payload.Bytes()
	if compression == compressionSnp {
		body = snappy.Encode(nil, body)
	}

	out := bytes.NewBuffer(make([]byte, 0, len(body)+len(bloom.bits)+32))
	binary.Write(out, binary.LittleEndian, sstableMagic)
	out.WriteByte(formatVersion)
	out.WriteByte(compression)
	out.WriteByte(byte(bloom.hashCount))
	binary.Write(out, binary.LittleEndian, uint32(len(bloom.bits)))
	out.Write(bloom.bits)
	binary.Write(out, binary.LittleEndian, uint32(len(body)))
	out.Write(body)
	binary.Write(out, binary.LittleEndian, crc32.ChecksumIEEE(body))
	return out.Bytes(), nil
}

func compressionByte(name string) (byte, error) {
	switch name {
	case "", "none":
		return compressionOff, nil
	case "snappy":
		return compressionSnp, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// SstableData is a fully decoded sstable held in memory.
type SstableData struct {
	Entries []Entry
	bloom   *bloomFilter
}

// MayContain consults the bloom filter; false means the key is
// definitely absent.
func (d *SstableData) MayContain(key []byte) bool {
	return d.bloom.MayContain(key)
}

// GetNewest returns the newest entry for key with Epoch <= maxEpoch,
// or false.
func (d *SstableData) GetNewest(key []byte, maxEpoch uint64) (Entry, bool) {
	for i := range d.Entries {
		e := &d.Entries[i]
		c := bytes.Compare(e.Key, key)
		if c > 0 {
			break
		}
		if c == 0 && e.Epoch <= maxEpoch {
			return *e, true
		}
	}
	return Entry{}, false
}

// DecodeSstable parses a blob produced by EncodeSstable.
func DecodeSstable(data []byte) (*SstableData, error) {
	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil || magic != sstableMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSstable)
	}
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptSstable)
	}
	if header[0] != formatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrCorruptSstable, header[0])
	}
	compression, hashCount := header[1], int(header[2])

	var bloomLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bloomLen); err != nil {
		return nil, fmt.Errorf("%w: truncated bloom length", ErrCorruptSstable)
	}
	bloomBits := make([]byte, bloomLen)
	if _, err := io.ReadFull(r, bloomBits); err != nil {
		return nil, fmt.Errorf("%w: truncated bloom filter", ErrCorruptSstable)
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("%w: truncated payload length", ErrCorruptSstable)
	}
	body := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorruptSstable)
	}
	var sum uint32
	if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
		return nil, fmt.Errorf("%w: missing checksum", ErrCorruptSstable)
	}
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSstable)
	}

	switch compression {
	case compressionOff:
	case compressionSnp:
		var err error
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSstable, err)
		}
	default:
		return nil, fmt.Errorf("%w: id %d", ErrUnknownCompression, compression)
	}

	entries, err := decodeEntries(body)
	if err != nil {
		return nil, err
	}
	return &SstableData{
		Entries: entries,
		bloom:   bloomFromBytes(bloomBits, hashCount),
	}, nil
}

func decodeEntries(body []byte) ([]Entry, error) {
	var entries []Entry
	for off := 0; off < len(body); {
		if off+4 > len(body) {
			return nil, fmt.Errorf("%w: truncated key length", ErrCorruptSstable)
		}
		keyLen := int(binary.LittleEndian.Uint32(body[off:]))
		off += 4
		if off+keyLen+8+1+4 > len(body) {
			return nil, fmt.Errorf("%w: truncated entry", ErrCorruptSstable)
		}
		key := body[off : off+keyLen : off+keyLen]
		off += keyLen
		epoch := binary.LittleEndian.Uint64(body[off:])
		off += 8
		op := OpType(body[off])
		off++
		valLen := int(binary.LittleEndian.Uint32(body[off:]))
		off += 4
		if off+valLen > len(body) {
			return nil, fmt.Errorf("%w: truncated value", ErrCorruptSstable)
		}
		value := body[off : off+valLen : off+valLen]
		off += valLen
		entries = append(entries, Entry{Key: key, Epoch: epoch, Op: op, Value: value})
	}
	return entries, nil
}
