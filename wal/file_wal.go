package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 10 * 1024 * 1024 // sanity bound on one frame
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 64 * 1024 * 1024
)

// FileWAL is a segmented file-backed WAL. Frames are length-prefixed
// canonical CBOR with a CRC32 trailer; segments rotate at a size bound and
// are pruned once a checkpoint covers them.
type FileWAL struct {
	mu   sync.Mutex
	dir  string
	file *os.File
	buf  *bufio.Writer
	enc  *encoder

	started      bool
	minIndex     int
	segmentIndex int
	segmentSize  int64
	maxSegSize   int64

	// height -> segment holding its EndHeight marker, for O(1) replay lookup
	heightIndex map[int64]int
}

// NewFileWAL creates a file-backed WAL in dir.
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize)
}

// NewFileWALWithOptions creates a file-backed WAL with a custom segment size.
func NewFileWALWithOptions(dir string, maxSegSize int64) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("creating WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	return &FileWAL{
		dir:        dir,
		maxSegSize: maxSegSize,
	}, nil
}

// Start opens the newest segment for appending and rebuilds the height
// index from the segments on disk.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.heightIndex = make(map[int64]int)

	segments := findSegments(w.dir)
	if len(segments) == 0 {
		w.minIndex = 0
		w.segmentIndex = 0
	} else {
		w.minIndex = segments[0]
		w.segmentIndex = segments[len(segments)-1]
	}

	if err := w.buildIndex(); err != nil {
		return fmt.Errorf("building WAL index: %w", err)
	}
	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.started = true
	return nil
}

// buildIndex scans segments for EndHeight markers.
func (w *FileWAL) buildIndex() error {
	for idx := w.minIndex; idx <= w.segmentIndex; idx++ {
		file, err := os.Open(w.segmentPath(idx))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}

		dec := newDecoder(bufio.NewReader(file))
		for {
			msg, err := dec.Decode()
			if err != nil {
				// EOF ends the segment; a corrupt tail ends indexing of it
				break
			}
			if msg.Type == MsgTypeEndHeight {
				w.heightIndex[msg.Height] = idx
			}
		}
		file.Close()
	}
	return nil
}

func (w *FileWAL) segmentPath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("wal-%05d", index))
}

func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("opening WAL segment %d: %w", index, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat WAL segment: %w", err)
	}

	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.enc = newEncoder(w.buf)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes, syncs, and closes the log.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Write appends a message (buffered).
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(msg)
}

// WriteSync appends a message and syncs it to disk before returning.
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeLocked(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *FileWAL) writeLocked(msg *Message) error {
	if !w.started {
		return ErrWALClosed
	}
	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("rotating WAL: %w", err)
		}
	}

	n, err := w.enc.Encode(msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)

	if msg.Type == MsgTypeEndHeight {
		w.heightIndex[msg.Height] = w.segmentIndex
	}
	return nil
}

// rotate seals the current segment and opens the next.
func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentIndex++
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForEndHeight returns a Reader positioned just after the EndHeight
// marker for height. The height index gives an O(1) segment hit; a stale
// index falls back to a full scan.
func (w *FileWAL) SearchForEndHeight(height int64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	if segIdx, ok := w.heightIndex[height]; ok {
		reader, found, err := w.searchSegment(segIdx, height)
		if err != nil {
			return nil, false, err
		}
		if found {
			return reader, true, nil
		}
	}

	for idx := w.minIndex; idx <= w.segmentIndex; idx++ {
		reader, found, err := w.searchSegment(idx, height)
		if err != nil {
			return nil, false, err
		}
		if found {
			w.heightIndex[height] = idx
			return reader, true, nil
		}
	}
	return nil, false, nil
}

func (w *FileWAL) searchSegment(segmentIndex int, height int64) (Reader, bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	reader := &fileReader{
		file: file,
		dec:  newDecoder(bufio.NewReader(file)),
	}
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			reader.Close()
			return nil, false, nil
		}
		if err != nil {
			reader.Close()
			return nil, false, err
		}
		if msg.Type == MsgTypeEndHeight && msg.Height == height {
			return reader, true, nil
		}
	}
}

// OpenReader returns a reader over every record in every live segment,
// oldest first. Pending writes are flushed so the reader sees them.
func (w *FileWAL) OpenReader() (Reader, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, err
	}
	return &multiSegmentReader{
		dir:      w.dir,
		segments: findSegments(w.dir),
		current:  -1,
	}, nil
}

// Prune deletes segments whose messages are all at or below height. Called
// after a sealed checkpoint makes the covered history recoverable without
// the log. The active segment is never deleted.
func (w *FileWAL) Prune(height int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	var toDelete []int
	for idx := w.minIndex; idx < w.segmentIndex; idx++ {
		covered, err := w.segmentCovered(idx, height)
		if err != nil || !covered {
			break // segments prune strictly oldest-first
		}
		toDelete = append(toDelete, idx)
	}

	for _, idx := range toDelete {
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting segment %d: %w", idx, err)
		}
		for h, segIdx := range w.heightIndex {
			if segIdx == idx {
				delete(w.heightIndex, h)
			}
		}
	}
	if len(toDelete) > 0 {
		w.minIndex = toDelete[len(toDelete)-1] + 1
	}
	return nil
}

func (w *FileWAL) segmentCovered(segmentIndex int, height int64) (bool, error) {
	file, err := os.Open(w.segmentPath(segmentIndex))
	if err != nil {
		return false, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	maxHeight := int64(0)
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}
		if msg.Height > maxHeight {
			maxHeight = msg.Height
		}
	}
	return maxHeight <= height, nil
}

// SegmentCount returns the number of live segments.
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentIndex - w.minIndex + 1
}

var _ WAL = (*FileWAL)(nil)

// encoder frames messages: 4-byte big-endian length, CBOR payload, 4-byte
// CRC32 trailer.
type encoder struct {
	w   io.Writer
	buf []byte
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{w: w, buf: make([]byte, 4)}
}

func (e *encoder) Encode(msg *Message) (int, error) {
	data, err := msg.Marshal()
	if err != nil {
		return 0, err
	}

	binary.BigEndian.PutUint32(e.buf, uint32(len(data)))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(e.buf, crc32.ChecksumIEEE(data))
	if _, err := e.w.Write(e.buf); err != nil {
		return 0, err
	}
	return 4 + len(data) + 4, nil
}

type decoder struct {
	r   io.Reader
	buf []byte
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r, buf: make([]byte, 4)}
}

func (d *decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(d.buf)
	if length > maxMsgSize {
		return nil, ErrWALCorrupted
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(d.r, d.buf); err != nil {
		return nil, err
	}
	expected := binary.BigEndian.Uint32(d.buf)
	if actual := crc32.ChecksumIEEE(data); expected != actual {
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expected, actual)
	}

	msg := &Message{}
	if err := msg.Unmarshal(data); err != nil {
		return nil, err
	}
	return msg, nil
}

type fileReader struct {
	file *os.File
	dec  *decoder
}

func (r *fileReader) Read() (*Message, error) { return r.dec.Decode() }
func (r *fileReader) Close() error            { return r.file.Close() }

var _ Reader = (*fileReader)(nil)

// OpenWALForReading opens the whole log for sequential reading across
// segments.
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}
	return &multiSegmentReader{
		dir:      dir,
		segments: segments,
		current:  -1,
	}, nil
}

// findSegments returns all segment indices in dir, sorted ascending.
func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), "wal-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

// multiSegmentReader chains segment files into one stream.
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	reader   *fileReader
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		if r.reader == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}
			file, err := os.Open(filepath.Join(r.dir, fmt.Sprintf("wal-%05d", r.segments[r.current])))
			if err != nil {
				return nil, err
			}
			r.reader = &fileReader{file: file, dec: newDecoder(bufio.NewReader(file))}
		}

		msg, err := r.reader.Read()
		if err == io.EOF {
			r.reader.Close()
			r.reader = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
