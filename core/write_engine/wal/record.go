package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// LSN is the 1-based sequence number of a record in the log.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines what a record carries.
type LogRecordType byte

const (
	LogRecordTypeOp              LogRecordType = iota + 1 // a buffered key mutation
	LogRecordTypeConfirm                                  // Refs were flushed to the engine
	LogRecordTypeCheckpointStart                          // a generation rotation happened here
	LogRecordTypeCheckpointEnd                            // Refs[0] is now a durable replay position
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeOp:
		return "OP"
	case LogRecordTypeConfirm:
		return "CONFIRM"
	case LogRecordTypeCheckpointStart:
		return "CHECKPOINT_START"
	case LogRecordTypeCheckpointEnd:
		return "CHECKPOINT_END"
	default:
		return fmt.Sprintf("LogRecordType(%d)", byte(t))
	}
}

// LogRecord represents a single entry in the write-ahead log.
type LogRecord struct {
	LSN       LSN
	Type      LogRecordType
	Timestamp int64 // logical timestamp supplied by the writer
	OpCode    uint8
	Key       string
	Args      [][]byte
	Refs      []LSN
}

// frameHeaderSize is the length prefix plus the CRC32 of the payload.
const frameHeaderSize = 8

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Serialize converts a LogRecord into a framed byte slice. This format must
// stay stable for recovery.
func (lr *LogRecord) Serialize() []byte {
	size := 8 + 1 + 8 + 1 + 4 + len(lr.Key) + 4 + 4 + 8*len(lr.Refs)
	for _, a := range lr.Args {
		size += 4 + len(a)
	}
	buf := make([]byte, frameHeaderSize+size)
	p := buf[frameHeaderSize:]

	binary.LittleEndian.PutUint64(p[0:], uint64(lr.LSN))
	p[8] = byte(lr.Type)
	binary.LittleEndian.PutUint64(p[9:], uint64(lr.Timestamp))
	p[17] = lr.OpCode
	off := 18
	binary.LittleEndian.PutUint32(p[off:], uint32(len(lr.Key)))
	off += 4
	off += copy(p[off:], lr.Key)
	binary.LittleEndian.PutUint32(p[off:], uint32(len(lr.Args)))
	off += 4
	for _, a := range lr.Args {
		binary.LittleEndian.PutUint32(p[off:], uint32(len(a)))
		off += 4
		off += copy(p[off:], a)
	}
	binary.LittleEndian.PutUint32(p[off:], uint32(len(lr.Refs)))
	off += 4
	for _, r := range lr.Refs {
		binary.LittleEndian.PutUint64(p[off:], uint64(r))
		off += 8
	}

	binary.LittleEndian.PutUint32(buf[0:], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(p, crcTable))
	return buf
}

// Deserialize reads an unframed payload into the record.
func (lr *LogRecord) Deserialize(p []byte) error {
	r := payloadReader{buf: p}
	lr.LSN = LSN(r.u64())
	lr.Type = LogRecordType(r.u8())
	lr.Timestamp = int64(r.u64())
	lr.OpCode = r.u8()
	lr.Key = string(r.bytes(int(r.u32())))
	nArgs := int(r.u32())
	if r.err == nil && nArgs > len(p) {
		return fmt.Errorf("%w: argument count %d exceeds payload", ErrCorruptedRecord, nArgs)
	}
	lr.Args = nil
	if nArgs > 0 {
		lr.Args = make([][]byte, nArgs)
	}
	for i := 0; i < nArgs && r.err == nil; i++ {
		lr.Args[i] = r.bytes(int(r.u32()))
	}
	nRefs := int(r.u32())
	if r.err == nil && nRefs*8 > len(p) {
		return fmt.Errorf("%w: ref count %d exceeds payload", ErrCorruptedRecord, nRefs)
	}
	lr.Refs = nil
	for i := 0; i < nRefs && r.err == nil; i++ {
		lr.Refs = append(lr.Refs, LSN(r.u64()))
	}
	if r.err != nil {
		return r.err
	}
	if r.off != len(p) {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptedRecord, len(p)-r.off)
	}
	return nil
}

// readLogRecord reads one framed record. It returns io.EOF on a clean end of
// stream and ErrTornRecord when the stream ends or checksums fail mid-frame.
func readLogRecord(reader *bufio.Reader, lr *LogRecord) (int, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(reader, hdr[:])
	if err == io.EOF {
		return 0, io.EOF
	}
	if err != nil {
		return n, fmt.Errorf("%w: short frame header", ErrTornRecord)
	}
	size := binary.LittleEndian.Uint32(hdr[0:])
	sum := binary.LittleEndian.Uint32(hdr[4:])
	if size > maxRecordSize {
		return n, fmt.Errorf("%w: frame size %d", ErrTornRecord, size)
	}
	payload := make([]byte, size)
	m, err := io.ReadFull(reader, payload)
	n += m
	if err != nil {
		return n, fmt.Errorf("%w: short payload", ErrTornRecord)
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return n, fmt.Errorf("%w: checksum mismatch", ErrTornRecord)
	}
	if err := lr.Deserialize(payload); err != nil {
		return n, err
	}
	return n, nil
}

type payloadReader struct {
	buf []byte
	off int
	err error
}

func (r *payloadReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated payload", ErrCorruptedRecord)
		return false
	}
	return true
}

func (r *payloadReader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *payloadReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *payloadReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *payloadReader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out
}
