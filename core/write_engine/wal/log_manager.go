package wal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	segmentPrefix      = "wal-"
	segmentSuffix      = ".log"
	checkpointFileName = "CHECKPOINT"
)

// Config holds the write-ahead log settings.
type Config struct {
	// Dir holds the active log segments.
	Dir string `yaml:"dir"`
	// ArchiveDir receives segments that lie entirely below the confirmed
	// checkpoint position. Empty means such segments are deleted.
	ArchiveDir string `yaml:"archive_dir"`
	// BufferSize is the in-memory buffer flushed to the OS when full.
	BufferSize int `yaml:"buffer_size"`
	// SegmentSizeLimit triggers a segment roll.
	SegmentSizeLimit int64 `yaml:"segment_size_limit"`
	// FlushInterval is the period of the background flush+fsync.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SyncOnAppend fsyncs after every append.
	SyncOnAppend bool `yaml:"sync_on_append"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		ArchiveDir:       filepath.Join(dir, "archive"),
		BufferSize:       64 * 1024,
		SegmentSizeLimit: 64 * 1024 * 1024,
		FlushInterval:    100 * time.Millisecond,
	}
}

type segmentInfo struct {
	path     string
	firstLSN LSN
}

// LogManager manages the write-ahead log segments. It is responsible for
// appending records, rolling and archiving segments, remembering the last
// confirmed checkpoint position and replaying records at startup.
type LogManager struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	logFile       *os.File
	segments      []segmentInfo // ordered; the last one is active
	segmentOffset int64         // bytes in the active segment, buffer included
	nextLSN       LSN
	buffer        *bytes.Buffer
	checkpointPos LSN
	closed        bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLogManager opens (or creates) the log in cfg.Dir, truncates a torn tail
// and starts the background flusher.
func NewLogManager(cfg Config, logger *zap.Logger) (*LogManager, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("log directory must be set")
	}
	def := DefaultConfig(cfg.Dir)
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.SegmentSizeLimit <= 0 {
		cfg.SegmentSizeLimit = def.SegmentSizeLimit
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SegmentSizeLimit < int64(cfg.BufferSize) {
		return nil, fmt.Errorf("log segment size limit (%d) must be greater than or equal to buffer size (%d)", cfg.SegmentSizeLimit, cfg.BufferSize)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", cfg.ArchiveDir, err)
		}
	}

	lm := &LogManager{
		cfg:      cfg,
		logger:   logger.Named("wal"),
		buffer:   bytes.NewBuffer(make([]byte, 0, cfg.BufferSize)),
		stopChan: make(chan struct{}),
	}
	if err := lm.loadCheckpointPosition(); err != nil {
		return nil, err
	}
	if err := lm.openLatestSegment(); err != nil {
		return nil, fmt.Errorf("failed to initialize log segment: %w", err)
	}

	lm.wg.Add(1)
	go lm.flusher()

	lm.logger.Info("LogManager initialized",
		zap.String("dir", cfg.Dir),
		zap.Int("segments", len(lm.segments)),
		zap.Uint64("nextLSN", uint64(lm.nextLSN)),
		zap.Uint64("checkpointPosition", uint64(lm.checkpointPos)))
	return lm, nil
}

func (lm *LogManager) segmentPath(first LSN) string {
	return filepath.Join(lm.cfg.Dir, fmt.Sprintf("%s%020d%s", segmentPrefix, uint64(first), segmentSuffix))
}

func (lm *LogManager) listSegments() ([]segmentInfo, error) {
	files, err := os.ReadDir(lm.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", lm.cfg.Dir, err)
	}
	var out []segmentInfo
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, segmentInfo{path: filepath.Join(lm.cfg.Dir, name), firstLSN: LSN(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].firstLSN < out[j].firstLSN })
	return out, nil
}

// openLatestSegment finds the newest segment, truncates any torn tail and
// positions nextLSN after its last valid record.
func (lm *LogManager) openLatestSegment() error {
	segs, err := lm.listSegments()
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		first := LSN(1)
		if lm.checkpointPos != InvalidLSN {
			first = lm.checkpointPos + 1
		}
		segs = []segmentInfo{{path: lm.segmentPath(first), firstLSN: first}}
	}
	last := segs[len(segs)-1]

	nextLSN, validSize, err := scanSegment(last)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open/create log segment %s: %w", last.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if info.Size() > validSize {
		lm.logger.Warn("Truncating torn WAL tail",
			zap.String("segment", last.path),
			zap.Int64("validSize", validSize),
			zap.Int64("fileSize", info.Size()))
		if err := f.Truncate(validSize); err != nil {
			f.Close()
			return fmt.Errorf("failed to truncate torn tail of %s: %w", last.path, err)
		}
	}
	if _, err := f.Seek(validSize, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	lm.logFile = f
	lm.segments = segs
	lm.segmentOffset = validSize
	lm.nextLSN = nextLSN
	return nil
}

// scanSegment returns the LSN following the last valid record of seg and the
// byte length of its valid prefix.
func scanSegment(seg segmentInfo) (LSN, int64, error) {
	f, err := os.Open(seg.path)
	if errors.Is(err, os.ErrNotExist) {
		return seg.firstLSN, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open log segment %s: %w", seg.path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	next := seg.firstLSN
	var valid int64
	for {
		var lr LogRecord
		n, err := readLogRecord(reader, &lr)
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		valid += int64(n)
		next = lr.LSN + 1
	}
	return next, valid, nil
}

func (lm *LogManager) loadCheckpointPosition() error {
	raw, err := os.ReadFile(filepath.Join(lm.cfg.Dir, checkpointFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint position: %w", err)
	}
	pos, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPosition, raw)
	}
	lm.checkpointPos = LSN(pos)
	return nil
}

// CheckpointPosition returns the last confirmed checkpoint position. Replay
// starts from here.
func (lm *LogManager) CheckpointPosition() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.checkpointPos
}

// CurrentLSN returns the last LSN handed out.
func (lm *LogManager) CurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// Append logs one key mutation and returns its record id.
func (lm *LogManager) Append(opcode uint8, key string, args [][]byte, ts int64) (LSN, error) {
	return lm.append(&LogRecord{
		Type:      LogRecordTypeOp,
		Timestamp: ts,
		OpCode:    opcode,
		Key:       key,
		Args:      args,
	}, lm.cfg.SyncOnAppend)
}

// Confirm records that the given op records were flushed to the engine, so
// replay must not apply them again.
func (lm *LogManager) Confirm(ids ...LSN) (LSN, error) {
	if len(ids) == 0 {
		return InvalidLSN, nil
	}
	return lm.append(&LogRecord{Type: LogRecordTypeConfirm, Refs: ids}, lm.cfg.SyncOnAppend)
}

// TagCheckpointPosition marks the point where the active generation is about
// to rotate. The returned token is what ConfirmCheckpointPosition expects.
func (lm *LogManager) TagCheckpointPosition() (LSN, error) {
	return lm.append(&LogRecord{Type: LogRecordTypeCheckpointStart, Timestamp: time.Now().UnixNano()}, true)
}

// ConfirmCheckpointPosition makes token the new replay start and archives
// segments that lie entirely below it.
func (lm *LogManager) ConfirmCheckpointPosition(token LSN) error {
	if token == InvalidLSN {
		return ErrInvalidPosition
	}
	if _, err := lm.append(&LogRecord{Type: LogRecordTypeCheckpointEnd, Refs: []LSN{token}}, true); err != nil {
		return err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if token < lm.checkpointPos {
		return fmt.Errorf("%w: %d is behind %d", ErrInvalidPosition, token, lm.checkpointPos)
	}
	if err := lm.writeCheckpointFile(token); err != nil {
		return err
	}
	lm.checkpointPos = token
	return lm.archiveBelowLocked(token)
}

func (lm *LogManager) writeCheckpointFile(token LSN) error {
	path := filepath.Join(lm.cfg.Dir, checkpointFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(uint64(token), 10)), 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint position: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install checkpoint position: %w", err)
	}
	return nil
}

// archiveBelowLocked must be called with lm.mu held.
func (lm *LogManager) archiveBelowLocked(token LSN) error {
	keep := 0
	for keep < len(lm.segments)-1 && lm.segments[keep+1].firstLSN <= token {
		seg := lm.segments[keep]
		if lm.cfg.ArchiveDir == "" {
			if err := os.Remove(seg.path); err != nil {
				return fmt.Errorf("failed to remove log segment %s: %w", seg.path, err)
			}
		} else {
			dst := filepath.Join(lm.cfg.ArchiveDir, filepath.Base(seg.path))
			if err := os.Rename(seg.path, dst); err != nil {
				return fmt.Errorf("failed to archive log segment %s to %s: %w", seg.path, dst, err)
			}
		}
		lm.logger.Debug("Archived log segment", zap.String("segment", seg.path), zap.Uint64("firstLSN", uint64(seg.firstLSN)))
		keep++
	}
	lm.segments = lm.segments[keep:]
	return nil
}

func (lm *LogManager) append(record *LogRecord, sync bool) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return InvalidLSN, ErrClosed
	}

	record.LSN = lm.nextLSN
	frame := record.Serialize()
	if len(frame) > maxRecordSize {
		return InvalidLSN, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(frame))
	}
	size := int64(len(frame))

	if lm.segmentOffset > 0 && lm.segmentOffset+size > lm.cfg.SegmentSizeLimit {
		if err := lm.rollLogSegment(record.LSN); err != nil {
			return InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}
	if lm.buffer.Len()+len(frame) > lm.cfg.BufferSize {
		if err := lm.flushInternal(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}
	lm.buffer.Write(frame)
	lm.nextLSN++
	lm.segmentOffset += size

	if sync {
		if err := lm.flushInternal(); err != nil {
			return InvalidLSN, err
		}
		if err := lm.logFile.Sync(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to sync log file: %w", err)
		}
	}
	return record.LSN, nil
}

// flushInternal writes the buffered records to the log file. It must be
// called with lm.mu held and does not fsync.
func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if lm.logFile == nil {
		return fmt.Errorf("log file is not open, cannot flush")
	}
	n, err := lm.logFile.Write(lm.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	if n != lm.buffer.Len() {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", lm.buffer.Len(), n)
	}
	lm.buffer.Reset()
	return nil
}

// rollLogSegment closes the active segment and opens a new one starting at
// first. It must be called with lm.mu held.
func (lm *LogManager) rollLogSegment(first LSN) error {
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("failed to flush buffer before rolling segment: %w", err)
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file before rolling segment: %w", err)
	}
	if err := lm.logFile.Close(); err != nil {
		return fmt.Errorf("failed to close log segment: %w", err)
	}
	lm.logFile = nil

	path := lm.segmentPath(first)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", path, err)
	}
	lm.logFile = f
	lm.segments = append(lm.segments, segmentInfo{path: path, firstLSN: first})
	lm.segmentOffset = 0
	lm.logger.Info("Rolled to new log segment", zap.String("segment", path))
	return nil
}

// Sync flushes the buffer and fsyncs the active segment.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrClosed
	}
	if err := lm.flushInternal(); err != nil {
		return err
	}
	return lm.logFile.Sync()
}

// ReplaySince streams every record with LSN >= pos to fn, in log order. A torn
// tail in the active segment ends the stream; corruption elsewhere is an
// error.
func (lm *LogManager) ReplaySince(pos LSN, fn func(*LogRecord) error) error {
	lm.mu.Lock()
	if err := lm.flushInternal(); err != nil {
		lm.mu.Unlock()
		return err
	}
	segs := append([]segmentInfo(nil), lm.segments...)
	lm.mu.Unlock()

	for i, seg := range segs {
		if i+1 < len(segs) && segs[i+1].firstLSN <= pos {
			continue
		}
		last := i == len(segs)-1
		if err := replaySegment(seg, pos, last, fn); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(seg segmentInfo, pos LSN, last bool, fn func(*LogRecord) error) error {
	f, err := os.Open(seg.path)
	if errors.Is(err, os.ErrNotExist) && last {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open log segment %s for replay: %w", seg.path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		var lr LogRecord
		_, err := readLogRecord(reader, &lr)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if last && errors.Is(err, ErrTornRecord) {
				return nil
			}
			return fmt.Errorf("replay of %s failed: %w", seg.path, err)
		}
		if lr.LSN < pos {
			continue
		}
		if err := fn(&lr); err != nil {
			return err
		}
	}
}

// flusher periodically writes and fsyncs the buffer.
func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.mu.Lock()
			if lm.buffer.Len() > 0 && !lm.closed {
				if err := lm.flushInternal(); err != nil {
					lm.logger.Error("Periodic WAL flush failed", zap.Error(err))
				} else if err := lm.logFile.Sync(); err != nil {
					lm.logger.Error("Periodic WAL sync failed", zap.Error(err))
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Close stops the flusher, flushes remaining records and closes the segment.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil
	}
	lm.mu.Unlock()

	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.closed = true
	var firstErr error
	if err := lm.flushInternal(); err != nil {
		firstErr = err
	}
	if err := lm.logFile.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := lm.logFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	lm.logFile = nil
	lm.logger.Info("LogManager closed", zap.Uint64("lastLSN", uint64(lm.nextLSN-1)))
	return firstErr
}
