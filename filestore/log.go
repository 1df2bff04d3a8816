package filestore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const logMagic uint32 = 0x4E564C47 // "NVLG"

var enc = binary.BigEndian

// 记录类型
const (
	opSet    byte = 0
	opDel    byte = 1
	opClean  byte = 2
	opBlob   byte = 3
	opMeta   byte = 4
	opCommit byte = 5
)

// 头部: magic(4) + op(1) + height(8) + klen(4) + vlen(4)
const headerLen = 4 + 1 + 8 + 4 + 4

// ErrCorrupt is returned by Open when a damaged record is followed by more
// log data. Only a damaged final record counts as a torn write.
var ErrCorrupt = errors.New("filestore: corrupt log")

var (
	errTornRecord = errors.New("filestore: torn log record")
	errBadRecord  = errors.New("filestore: bad log record")
)

type logRecord struct {
	Op     byte
	Height uint64
	Key    []byte
	Value  []byte
}

// valueOffset is where Value starts relative to the record start.
func (r *logRecord) valueOffset() int64 {
	return int64(headerLen + len(r.Key))
}

func (r *logRecord) size() int64 {
	return int64(headerLen+len(r.Key)+len(r.Value)) + 4
}

func appendRecord(buf []byte, r logRecord) []byte {
	start := len(buf)
	var hdr [headerLen]byte
	enc.PutUint32(hdr[0:4], logMagic)
	hdr[4] = r.Op
	enc.PutUint64(hdr[5:13], r.Height)
	enc.PutUint32(hdr[13:17], uint32(len(r.Key)))
	enc.PutUint32(hdr[17:21], uint32(len(r.Value)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Key...)
	buf = append(buf, r.Value...)

	// CRC 覆盖头+数据
	crc := crc32.ChecksumIEEE(buf[start:])
	return enc.AppendUint32(buf, crc)
}

// replayLog reads every committed batch from f and hands its records to
// apply together with their file offsets. It returns the offset just past
// the last commit record; anything beyond it is a torn or uncommitted tail.
// A record that fails its magic or CRC check is a torn tail only when it is
// the last thing in the file, otherwise replay stops with ErrCorrupt.
func replayLog(f *os.File, apply func(recs []logRecord, offs []int64) error) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReaderSize(f, 1<<20)

	var (
		off       int64
		committed int64
		pending   []logRecord
		offsets   []int64
	)
	for {
		rec, err := readRecord(r, fi.Size()-off)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, errTornRecord):
			return committed, nil
		case errors.Is(err, errBadRecord):
			if _, perr := r.Peek(1); errors.Is(perr, io.EOF) {
				return committed, nil
			}
			return committed, fmt.Errorf("%w: record at offset %d", ErrCorrupt, off)
		default:
			return committed, err
		}
		recOff := off
		off += rec.size()

		if rec.Op == opCommit {
			if err := apply(pending, offsets); err != nil {
				return committed, err
			}
			pending, offsets = pending[:0], offsets[:0]
			committed = off
			continue
		}
		pending = append(pending, rec)
		offsets = append(offsets, recOff)
	}
}

// readRecord reads one record; remaining is how many bytes the file holds
// from the record start, so a length field pointing past EOF reads as torn.
func readRecord(r io.Reader, remaining int64) (logRecord, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF {
			return logRecord{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return logRecord{}, errTornRecord
		}
		return logRecord{}, err
	}
	if enc.Uint32(hdr[0:4]) != logMagic {
		return logRecord{}, errBadRecord
	}
	rec := logRecord{
		Op:     hdr[4],
		Height: enc.Uint64(hdr[5:13]),
	}
	klen := enc.Uint32(hdr[13:17])
	vlen := enc.Uint32(hdr[17:21])
	n := int64(klen) + int64(vlen) + 4
	if n > remaining-headerLen {
		return logRecord{}, errTornRecord
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return logRecord{}, errTornRecord
		}
		return logRecord{}, err
	}
	rec.Key = body[:klen]
	rec.Value = body[klen : klen+vlen]

	// 校验
	want := enc.Uint32(body[klen+vlen:])
	crc := crc32.ChecksumIEEE(hdr)
	crc = crc32.Update(crc, crc32.IEEETable, body[:klen+vlen])
	if crc != want {
		return logRecord{}, errBadRecord
	}
	return rec, nil
}
