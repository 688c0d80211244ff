package queue

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/Chichichkin/LogzioShipper/internal/logging"
)

const (
	dataFileName   = "queue.data"
	offsetFileName = "queue.offset"
)

// Compactor is implemented by queues that keep consumed entries around
// until they are garbage collected.
type Compactor interface {
	Compact() error
}

// File is a disk-backed queue. Records are appended to a data file, one per
// line, and the number of consumed bytes at the head of that file is kept in
// a separate offset file. Reopening the same directory resumes from the
// persisted offset. Consumed bytes stay on disk until Compact rewrites the
// file with only the pending tail.
//
// Pending records are mirrored in memory so Dequeue never touches the disk
// except to persist the new offset.
type File struct {
	mu      sync.Mutex
	dir     string
	data    *os.File
	records []logging.Record
	size    int64
	offset  int64
	closed  bool
}

func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q := &File{dir: dir}

	offset, err := q.readOffset()
	if err != nil {
		return nil, err
	}
	q.offset = offset

	if err := q.load(); err != nil {
		return nil, err
	}

	data, err := os.OpenFile(q.path(dataFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open queue data: %w", err)
	}
	q.data = data
	return q, nil
}

func (q *File) path(name string) string {
	return filepath.Join(q.dir, name)
}

func (q *File) readOffset() (int64, error) {
	raw, err := os.ReadFile(q.path(offsetFileName))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read queue offset: %w", err)
	}
	offset, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("corrupt queue offset %q", raw)
	}
	return offset, nil
}

// load reads pending records past the offset. A trailing line without a
// newline is a torn write and gets truncated away.
func (q *File) load() error {
	f, err := os.OpenFile(q.path(dataFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open queue data: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat queue data: %w", err)
	}
	if q.offset > info.Size() {
		// offset from a previous file generation; nothing of it is valid
		q.offset = 0
	}
	if _, err := f.Seek(q.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek queue data: %w", err)
	}

	reader := bufio.NewReader(f)
	good := q.offset
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read queue data: %w", err)
		}
		good += int64(len(line))
		rec := logging.Record(bytes.TrimSuffix(line, []byte{'\n'}))
		if len(rec) == 0 {
			continue
		}
		q.records = append(q.records, rec)
		q.size += int64(rec.WireSize())
	}

	if good < info.Size() {
		if err := f.Truncate(good); err != nil {
			return fmt.Errorf("truncate torn queue entry: %w", err)
		}
	}
	return nil
}

func (q *File) Enqueue(rec logging.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return os.ErrClosed
	}

	line := make([]byte, 0, rec.WireSize())
	line = append(line, rec...)
	line = append(line, '\n')
	if _, err := q.data.Write(line); err != nil {
		return fmt.Errorf("append queue entry: %w", err)
	}

	q.records = append(q.records, rec)
	q.size += int64(rec.WireSize())
	return nil
}

func (q *File) Dequeue(maxBytes int) ([]logging.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := take(q.records, maxBytes)
	if n == 0 {
		return nil, nil
	}

	var consumed int64
	out := make([]logging.Record, n)
	copy(out, q.records[:n])
	for _, rec := range out {
		consumed += int64(rec.WireSize())
	}

	if err := q.writeOffset(q.offset + consumed); err != nil {
		return nil, err
	}
	q.offset += consumed
	q.size -= consumed
	for i := 0; i < n; i++ {
		q.records[i] = nil
	}
	q.records = q.records[n:]
	return out, nil
}

func (q *File) writeOffset(offset int64) error {
	tmp := q.path(offsetFileName + ".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(offset, 10)), 0o644); err != nil {
		return fmt.Errorf("write queue offset: %w", err)
	}
	if err := os.Rename(tmp, q.path(offsetFileName)); err != nil {
		return fmt.Errorf("commit queue offset: %w", err)
	}
	return nil
}

// Compact drops consumed entries from the data file. A crash part way
// through can replay already consumed records but never loses pending ones.
func (q *File) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.offset == 0 {
		return nil
	}

	tmpPath := q.path(dataFileName + ".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create compacted queue: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, rec := range q.records {
		_, _ = w.Write(rec)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write compacted queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync compacted queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compacted queue: %w", err)
	}

	if err := q.writeOffset(0); err != nil {
		return err
	}
	if err := q.data.Close(); err != nil {
		return fmt.Errorf("close queue data: %w", err)
	}
	renameErr := os.Rename(tmpPath, q.path(dataFileName))
	data, err := os.OpenFile(q.path(dataFileName), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen queue data: %w", err)
	}
	q.data = data
	if renameErr != nil {
		// the old file is still in place, point the offset back into it
		if err := q.writeOffset(q.offset); err != nil {
			return err
		}
		return fmt.Errorf("replace queue data: %w", renameErr)
	}
	q.offset = 0
	return nil
}

func (q *File) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

func (q *File) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *File) IsEmpty() bool {
	return q.Len() == 0
}

func (q *File) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	if err := q.data.Sync(); err != nil {
		q.data.Close()
		return fmt.Errorf("sync queue data: %w", err)
	}
	return q.data.Close()
}
