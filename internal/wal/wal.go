package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/vecdb/internal/fs"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilityAsync relies on the OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync waits for fsync before an append returns.
	DurabilitySync
)

const (
	walMagic      = "VDBWAL01"
	walVersion    = 1
	walHeaderSize = 12
	fileExt       = ".wal"
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
	ErrCorrupt             = errors.New("corrupt WAL")
)

type Options struct {
	Durability Durability
	// MinLSN is the lowest LSN the log may hand out. It lets the log continue
	// numbering after all files covering older LSNs were purged.
	MinLSN uint64
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL is a write-ahead log stored as a directory of numbered files.
// Appends go to the newest file. Rotate starts a new file so that a
// prefix of the log can be purged once it is covered by a checkpoint.
type WAL struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	dir  string
	opts Options

	file    fs.File
	fileNum uint64
	nextLSN uint64
	buf     []byte

	// Physical end of the active file and the prefix of it known durable.
	filePos    int64
	fileSynced int64

	// Group commit state. Offsets are logical and span file rotations.
	written      int64
	syncedOffset int64
	syncing      bool
	syncCond     *sync.Cond
	doneCond     *sync.Cond
	closed       bool
	lastErr      error
	wg           sync.WaitGroup
}

// Open opens or creates the WAL in dir. Existing files are validated and a
// torn tail in the newest file is truncated.
func Open(fsys fs.FileSystem, dir string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	w := &WAL{
		fs:      fsys,
		dir:     dir,
		opts:    opts,
		nextLSN: max(opts.MinLSN, 1),
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	nums, err := w.listFiles()
	if err != nil {
		return nil, err
	}

	for i, num := range nums {
		last := i == len(nums)-1
		lastLSN, validEnd, err := w.scanFile(num, last)
		if err != nil {
			return nil, err
		}
		if lastLSN >= w.nextLSN {
			w.nextLSN = lastLSN + 1
		}
		if last {
			if err := w.openForAppend(num, validEnd); err != nil {
				return nil, err
			}
		}
	}

	if w.file == nil {
		if err := w.openForAppend(1, 0); err != nil {
			return nil, err
		}
	}

	if opts.Durability == DurabilitySync {
		w.wg.Add(1)
		go w.runSyncer()
	}
	return w, nil
}

func (w *WAL) path(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%06d%s", num, fileExt))
}

func (w *WAL) listFiles() ([]uint64, error) {
	entries, err := w.fs.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var nums []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		num, err := strconv.ParseUint(strings.TrimSuffix(name, fileExt), 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func readHeader(f fs.File) error {
	header := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
	}
	return nil
}

// scanFile walks every record in a file and returns the highest LSN and the
// offset of the end of the last valid record. A damaged record is tolerated
// only at the tail of the newest file.
func (w *WAL) scanFile(num uint64, tail bool) (uint64, int64, error) {
	f, err := w.fs.OpenFile(w.path(num), os.O_RDONLY, 0)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	if stat.Size() < walHeaderSize {
		if tail {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("%w: %s: file too small", ErrInvalidHeader, w.path(num))
	}
	if err := readHeader(f); err != nil {
		return 0, 0, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		return 0, 0, err
	}

	r := bufio.NewReader(f)
	offset := int64(walHeaderSize)
	var lastLSN uint64
	for {
		rec, n, err := Decode(r)
		if errors.Is(err, io.EOF) {
			return lastLSN, offset, nil
		}
		if err != nil {
			if tail {
				return lastLSN, offset, nil
			}
			return 0, 0, fmt.Errorf("%w: %s at offset %d: %v", ErrCorrupt, w.path(num), offset, err)
		}
		offset += n
		lastLSN = rec.LSN
	}
}

// openForAppend opens file num, truncating it to validEnd. A validEnd of
// zero (re)initializes the header.
func (w *WAL) openForAppend(num uint64, validEnd int64) error {
	f, err := w.fs.OpenFile(w.path(num), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}

	if validEnd < walHeaderSize {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return err
		}
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], walVersion)
		if _, err := f.Write(header); err != nil {
			f.Close()
			return err
		}
		validEnd = walHeaderSize
	} else if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return err
	}

	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := fs.SyncDir(w.fs, w.dir); err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.fileNum = num
	w.filePos = validEnd
	w.fileSynced = validEnd
	return nil
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.written <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.written <= w.syncedOffset {
			return
		}

		target := w.written
		targetPos := w.filePos
		file := w.file
		w.syncing = true

		w.mu.Unlock()
		err := file.Sync()
		w.mu.Lock()

		w.syncing = false
		if err != nil {
			w.lastErr = fmt.Errorf("wal sync failed: %w", err)
			w.discardUnsynced()
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
		}
		if targetPos > w.fileSynced {
			w.fileSynced = targetPos
		}
		w.doneCond.Broadcast()
	}
}

// Append assigns the next LSN to rec, writes it and, in sync mode, waits
// until it is durable. The assigned LSN is returned.
func (w *WAL) Append(rec *Record) (uint64, error) {
	lsn, offset, err := w.AppendAsync(rec)
	if err != nil {
		return 0, err
	}
	if w.opts.Durability == DurabilitySync {
		if err := w.WaitFor(offset); err != nil {
			return 0, err
		}
	}
	return lsn, nil
}

// AppendAsync writes a record to the OS without waiting for fsync.
// It returns the assigned LSN and the logical end offset of the record.
func (w *WAL) AppendAsync(rec *Record) (uint64, int64, error) {
	return w.AppendBatchAsync([]*Record{rec})
}

// AppendBatchAsync writes recs with consecutive LSNs in a single write and
// returns the LSN of the first record and the logical offset past the last.
// On error none of the records are kept in the log.
func (w *WAL) AppendBatchAsync(recs []*Record) (uint64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, 0, os.ErrClosed
	}
	if w.lastErr != nil {
		return 0, 0, w.lastErr
	}
	if len(recs) == 0 {
		return w.nextLSN, w.written, nil
	}

	first := w.nextLSN
	w.buf = w.buf[:0]
	for i, rec := range recs {
		rec.LSN = first + uint64(i)
		w.buf = rec.AppendTo(w.buf)
	}
	if _, err := w.file.Write(w.buf); err != nil {
		// The file may now hold a partial record. Poison the log so that no
		// later record lands behind it and cut the partial bytes off.
		w.lastErr = fmt.Errorf("wal write failed: %w", err)
		w.truncateTo(w.filePos)
		return 0, 0, w.lastErr
	}

	w.nextLSN += uint64(len(recs))
	w.written += int64(len(w.buf))
	w.filePos += int64(len(w.buf))

	if w.opts.Durability == DurabilitySync {
		w.syncCond.Signal()
	}
	return first, w.written, nil
}

// WaitFor waits until the WAL is synced up to the given logical offset.
func (w *WAL) WaitFor(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.syncedOffset < offset && !w.closed && w.lastErr == nil {
		w.doneCond.Wait()
	}
	if w.syncedOffset >= offset {
		return nil
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	return os.ErrClosed
}

// Sync ensures all written records are on stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if w.lastErr != nil {
		return w.lastErr
	}
	for w.syncing {
		w.doneCond.Wait()
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.file.Sync(); err != nil {
		w.lastErr = fmt.Errorf("wal sync failed: %w", err)
		w.discardUnsynced()
		w.doneCond.Broadcast()
		return w.lastErr
	}
	w.syncedOffset = w.written
	w.fileSynced = w.filePos
	w.doneCond.Broadcast()
	return nil
}

// discardUnsynced drops the records written after the last successful sync.
// In sync mode none of their appends returned success, so replay must not
// see them. Async appends already returned and keep their records.
// Must hold mu.
func (w *WAL) discardUnsynced() {
	if w.opts.Durability != DurabilitySync || w.filePos == w.fileSynced {
		return
	}
	w.truncateTo(w.fileSynced)
}

// truncateTo cuts the active file back to pos. Must hold mu.
func (w *WAL) truncateTo(pos int64) {
	if err := w.file.Truncate(pos); err != nil {
		w.lastErr = errors.Join(w.lastErr, fmt.Errorf("wal truncate failed: %w", err))
		return
	}
	if _, err := w.file.Seek(pos, io.SeekStart); err != nil {
		w.lastErr = errors.Join(w.lastErr, err)
		return
	}
	w.filePos = pos
}

// Rotate syncs and closes the active file and starts a new one. It returns
// the number of the closed file; every record appended before the call is
// stored in a file numbered at most that value.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if err := w.syncLocked(); err != nil {
		return 0, err
	}

	prev := w.fileNum
	if err := w.file.Close(); err != nil {
		w.lastErr = err
		return 0, err
	}
	if err := w.openForAppend(prev+1, 0); err != nil {
		w.lastErr = err
		return 0, err
	}
	return prev, nil
}

// Purge removes closed files numbered at most upTo.
func (w *WAL) Purge(upTo uint64) error {
	w.mu.Lock()
	active := w.fileNum
	w.mu.Unlock()

	nums, err := w.listFiles()
	if err != nil {
		return err
	}
	for _, num := range nums {
		if num > upTo || num >= active {
			break
		}
		if err := w.fs.Remove(w.path(num)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return fs.SyncDir(w.fs, w.dir)
}

// Replay calls fn for every record in LSN order. It must be called before
// the first append of this process.
func (w *WAL) Replay(fn func(*Record) error) error {
	nums, err := w.listFiles()
	if err != nil {
		return err
	}
	for _, num := range nums {
		if err := w.replayFile(num, fn); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replayFile(num uint64, fn func(*Record) error) error {
	f, err := w.fs.OpenFile(w.path(num), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if stat, err := f.Stat(); err != nil {
		return err
	} else if stat.Size() < walHeaderSize {
		return nil
	}
	if err := readHeader(f); err != nil {
		return err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for {
		rec, _, err := Decode(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// Open already truncated torn tails and rejected mid-log damage.
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, w.path(num), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// NextLSN returns the LSN the next append will receive.
func (w *WAL) NextLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// FileNum returns the number of the active file.
func (w *WAL) FileNum() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fileNum
}

// Close syncs and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	syncErr := w.syncLocked()
	w.closed = true
	w.syncCond.Signal()
	w.mu.Unlock()

	w.wg.Wait()

	if err := w.file.Close(); err != nil {
		return err
	}
	if errors.Is(syncErr, os.ErrClosed) {
		return nil
	}
	return syncErr
}

// Remove deletes every file of the WAL. The WAL must be closed.
func Remove(fsys fs.FileSystem, dir string) error {
	if fsys == nil {
		fsys = fs.Default
	}
	return fsys.RemoveAll(dir)
}
