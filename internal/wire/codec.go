// Package wire implements the log entry codec (C1): encoding and
// streaming decoding of the typed, length-prefixed records that make up
// every PWAL, compacted file, and snapshot.
//
// Record layout is little-endian throughout, with no file header and no
// whole-file checksum - integrity comes from length prefixes plus session
// bracketing; truncation is detected by a missing EndSession.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/limestonedb/limestone"
)

// ErrTruncated indicates bytes remained in the stream but were
// insufficient to decode a full record. [Decoder.Offset] reports the
// offset immediately preceding the failed attempt; recovery truncates the
// file at or before that offset, back to its last safe session boundary.
var ErrTruncated = errors.New("wire: truncated record")

const (
	tagNormal             byte = 0
	tagRemoveEntry        byte = 1
	tagClearStorage       byte = 2
	tagAddStorage         byte = 3
	tagRemoveStorage      byte = 4
	tagNormalWithBlob     byte = 5
	tagBeginSession       byte = 6
	tagEndSession         byte = 7
	tagDurableEpoch       byte = 8
	tagInvalidatedSession byte = 9
)

func tagFor(kind limestone.EntryKind) (byte, error) {
	switch kind {
	case limestone.KindNormal:
		return tagNormal, nil
	case limestone.KindRemoveEntry:
		return tagRemoveEntry, nil
	case limestone.KindClearStorage:
		return tagClearStorage, nil
	case limestone.KindAddStorage:
		return tagAddStorage, nil
	case limestone.KindRemoveStorage:
		return tagRemoveStorage, nil
	case limestone.KindNormalWithBlob:
		return tagNormalWithBlob, nil
	case limestone.KindBeginSession:
		return tagBeginSession, nil
	case limestone.KindEndSession:
		return tagEndSession, nil
	case limestone.KindDurableEpoch:
		return tagDurableEpoch, nil
	case limestone.KindInvalidatedSession:
		return tagInvalidatedSession, nil
	default:
		return 0, fmt.Errorf("wire: unknown entry kind %v", kind)
	}
}

// Encode writes a single entry to w.
func Encode(w io.Writer, e limestone.Entry) error {
	tag, err := tagFor(e.Kind)
	if err != nil {
		return err
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, tag)

	switch e.Kind {
	case limestone.KindNormal:
		buf = appendU64(buf, uint64(e.Storage))
		buf = appendBytes(buf, e.Key)
		buf = appendBytes(buf, e.Value)
		buf = appendWriteVersion(buf, e.WriteVersion)
	case limestone.KindRemoveEntry:
		buf = appendU64(buf, uint64(e.Storage))
		buf = appendBytes(buf, e.Key)
		buf = appendWriteVersion(buf, e.WriteVersion)
	case limestone.KindClearStorage, limestone.KindAddStorage, limestone.KindRemoveStorage:
		buf = appendU64(buf, uint64(e.Storage))
		buf = appendWriteVersion(buf, e.WriteVersion)
	case limestone.KindNormalWithBlob:
		buf = appendU64(buf, uint64(e.Storage))
		buf = appendBytes(buf, e.Key)
		buf = appendBlobIDs(buf, e.BlobIDs)
		buf = appendWriteVersion(buf, e.WriteVersion)
	case limestone.KindBeginSession, limestone.KindEndSession, limestone.KindDurableEpoch:
		buf = appendU64(buf, e.Epoch)
	case limestone.KindInvalidatedSession:
		// tag only
	}

	_, err = w.Write(buf)
	if err != nil {
		return fmt.Errorf("wire: write record: %w", err)
	}

	return nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)

	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)

	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, data []byte) []byte {
	buf = appendU32(buf, uint32(len(data)))
	return append(buf, data...)
}

func appendBlobIDs(buf []byte, ids []uint64) []byte {
	buf = appendU32(buf, uint32(len(ids)*8))
	for _, id := range ids {
		buf = appendU64(buf, id)
	}

	return buf
}

func appendWriteVersion(buf []byte, wv limestone.WriteVersion) []byte {
	buf = appendU64(buf, wv.Major)
	buf = appendU64(buf, wv.Minor)

	return buf
}

// Decoder streams entries from an underlying reader, tracking the byte
// offset consumed so far so callers can truncate a file back to the last
// safe boundary after a truncated read.
type Decoder struct {
	r        *bufio.Reader
	offset   int64
	lastGood int64
}

// NewDecoder wraps r for streaming entry decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Offset returns the byte offset immediately before the most recently
// attempted (successful or truncated) Decode call.
func (d *Decoder) Offset() int64 { return d.lastGood }

// Decode reads the next entry.
//
// Returns (entry, true, nil) on success, (zero, false, nil) at a clean
// EOF, and (zero, false, [ErrTruncated]) if bytes remained but were
// insufficient for a full record.
func (d *Decoder) Decode() (limestone.Entry, bool, error) {
	d.lastGood = d.offset

	tagBuf := make([]byte, 1)

	n, err := io.ReadFull(d.r, tagBuf)
	d.offset += int64(n)

	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return limestone.Entry{}, false, nil
		}

		return limestone.Entry{}, false, ErrTruncated
	}

	e, err := d.decodeBody(tagBuf[0])
	if err != nil {
		return limestone.Entry{}, false, err
	}

	return e, true, nil
}

func (d *Decoder) decodeBody(tag byte) (limestone.Entry, error) {
	switch tag {
	case tagNormal:
		storage, err := d.readU64()
		if err != nil {
			return limestone.Entry{}, err
		}

		key, err := d.readBytes()
		if err != nil {
			return limestone.Entry{}, err
		}

		value, err := d.readBytes()
		if err != nil {
			return limestone.Entry{}, err
		}

		wv, err := d.readWriteVersion()
		if err != nil {
			return limestone.Entry{}, err
		}

		return limestone.NormalEntry(limestone.StorageID(storage), key, value, wv), nil

	case tagRemoveEntry:
		storage, err := d.readU64()
		if err != nil {
			return limestone.Entry{}, err
		}

		key, err := d.readBytes()
		if err != nil {
			return limestone.Entry{}, err
		}

		wv, err := d.readWriteVersion()
		if err != nil {
			return limestone.Entry{}, err
		}

		return limestone.RemoveEntryOf(limestone.StorageID(storage), key, wv), nil

	case tagClearStorage, tagAddStorage, tagRemoveStorage:
		storage, err := d.readU64()
		if err != nil {
			return limestone.Entry{}, err
		}

		wv, err := d.readWriteVersion()
		if err != nil {
			return limestone.Entry{}, err
		}

		switch tag {
		case tagClearStorage:
			return limestone.ClearStorageEntry(limestone.StorageID(storage), wv), nil
		case tagAddStorage:
			return limestone.AddStorageEntry(limestone.StorageID(storage), wv), nil
		default:
			return limestone.RemoveStorageEntry(limestone.StorageID(storage), wv), nil
		}

	case tagNormalWithBlob:
		storage, err := d.readU64()
		if err != nil {
			return limestone.Entry{}, err
		}

		key, err := d.readBytes()
		if err != nil {
			return limestone.Entry{}, err
		}

		blobIDs, err := d.readBlobIDs()
		if err != nil {
			return limestone.Entry{}, err
		}

		wv, err := d.readWriteVersion()
		if err != nil {
			return limestone.Entry{}, err
		}

		return limestone.NormalWithBlobEntry(limestone.StorageID(storage), key, blobIDs, wv), nil

	case tagBeginSession:
		epoch, err := d.readU64()
		if err != nil {
			return limestone.Entry{}, err
		}

		return limestone.BeginSessionEntry(epoch), nil

	case tagEndSession:
		epoch, err := d.readU64()
		if err != nil {
			return limestone.Entry{}, err
		}

		return limestone.EndSessionEntry(epoch), nil

	case tagDurableEpoch:
		epoch, err := d.readU64()
		if err != nil {
			return limestone.Entry{}, err
		}

		return limestone.DurableEpochEntry(epoch), nil

	case tagInvalidatedSession:
		return limestone.InvalidatedSessionEntry(), nil

	default:
		return limestone.Entry{}, fmt.Errorf("%w: unknown tag %d", ErrTruncated, tag)
	}
}

func (d *Decoder) readFull(buf []byte) error {
	n, err := io.ReadFull(d.r, buf)
	d.offset += int64(n)

	if err != nil {
		return ErrTruncated
	}

	return nil
}

func (d *Decoder) readU64() (uint64, error) {
	var buf [8]byte
	if err := d.readFull(buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d *Decoder) readU32() (uint32, error) {
	var buf [4]byte
	if err := d.readFull(buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

const maxFieldLen = 1 << 30

func (d *Decoder) readBytes() ([]byte, error) {
	length, err := d.readU32()
	if err != nil {
		return nil, err
	}

	if length > maxFieldLen {
		return nil, fmt.Errorf("%w: field length %d exceeds limit", ErrTruncated, length)
	}

	buf := make([]byte, length)
	if err := d.readFull(buf); err != nil {
		return nil, err
	}

	return buf, nil
}

func (d *Decoder) readBlobIDs() ([]uint64, error) {
	raw, err := d.readBytes()
	if err != nil {
		return nil, err
	}

	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: blob id field length %d not a multiple of 8", ErrTruncated, len(raw))
	}

	ids := make([]uint64, len(raw)/8)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}

	return ids, nil
}

func (d *Decoder) readWriteVersion() (limestone.WriteVersion, error) {
	major, err := d.readU64()
	if err != nil {
		return limestone.WriteVersion{}, err
	}

	minor, err := d.readU64()
	if err != nil {
		return limestone.WriteVersion{}, err
	}

	return limestone.WriteVersion{Major: major, Minor: minor}, nil
}
