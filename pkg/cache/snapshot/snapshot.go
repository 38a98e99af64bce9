// Package snapshot persists a cache.Backend's contents to disk between
// restarts: a periodic dump plus one final dump on shutdown, each entry
// snappy-compressed. Loading a corrupt or unreadable snapshot is treated
// as starting with an empty cache, never a fatal error.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/pkg/cache"
)

// Ranger is implemented by cache.Backend implementations that can
// enumerate their entries (pkg/cache/mem_cache.MemCache does; a remote
// backend like redis typically persists on its own and doesn't need to).
type Ranger interface {
	Range(f func(key string, v []byte, storedTime, expireAt time.Time) bool)
}

const magic = "SFWDCACH"

// Dump writes every entry in backend (if it implements Ranger) to path.
// A backend that doesn't implement Ranger makes Dump a no-op.
func Dump(backend cache.Backend, path string) error {
	r, ok := backend.(Ranger)
	if !ok {
		return nil
	}

	f, err := os.CreateTemp(dir(path), "cache-snapshot-*")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(magic); err != nil {
		f.Close()
		return err
	}

	var writeErr error
	r.Range(func(key string, v []byte, storedTime, expireAt time.Time) bool {
		if err := writeEntry(w, key, v, storedTime, expireAt); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		f.Close()
		return writeErr
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Load reads a snapshot previously written by Dump and stores every
// still-unexpired entry into backend. Any read/parse failure is logged
// and treated as an empty cache, never returned as an error.
func Load(backend cache.Backend, path string, logger *zap.Logger) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to open cache snapshot, starting with an empty cache", zap.Error(err))
		}
		return
	}
	defer f.Close()

	r := bufio.NewReader(f)
	hdr := make([]byte, len(magic))
	if _, err := io.ReadFull(r, hdr); err != nil || string(hdr) != magic {
		logger.Warn("corrupt cache snapshot header, starting with an empty cache")
		return
	}

	type entry struct {
		key                  string
		v                    []byte
		storedTime, expireAt time.Time
	}

	// Entries are stored only after the whole file parsed cleanly, so a
	// corrupt entry anywhere leaves the backend empty.
	now := time.Now()
	var entries []entry
	for {
		key, v, storedTime, expireAt, err := readEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("corrupt cache snapshot entry, starting with an empty cache", zap.Error(err))
			return
		}
		if expireAt.Before(now) {
			continue
		}
		entries = append(entries, entry{key: key, v: v, storedTime: storedTime, expireAt: expireAt})
	}
	for _, e := range entries {
		backend.Store(e.key, e.v, e.storedTime, e.expireAt)
	}
	logger.Info("cache snapshot loaded", zap.Int("entries", len(entries)))
}

func writeEntry(w io.Writer, key string, v []byte, storedTime, expireAt time.Time) error {
	compressed := snappy.Encode(nil, v)

	if err := writeUvarintString(w, key); err != nil {
		return err
	}
	if err := writeUvarintBytes(w, compressed); err != nil {
		return err
	}
	if err := writeInt64(w, storedTime.Unix()); err != nil {
		return err
	}
	return writeInt64(w, expireAt.Unix())
}

func readEntry(r io.Reader) (key string, v []byte, storedTime, expireAt time.Time, err error) {
	key, err = readUvarintString(r)
	if err != nil {
		return
	}
	compressed, err := readUvarintBytes(r)
	if err != nil {
		return
	}
	v, err = snappy.Decode(nil, compressed)
	if err != nil {
		return
	}
	st, err := readInt64(r)
	if err != nil {
		return
	}
	ex, err := readInt64(r)
	if err != nil {
		return
	}
	return key, v, time.Unix(st, 0), time.Unix(ex, 0), nil
}

func writeUvarintString(w io.Writer, s string) error {
	return writeUvarintBytes(w, []byte(s))
}

func readUvarintString(r io.Reader) (string, error) {
	b, err := readUvarintBytes(r)
	return string(b), err
}

func writeUvarintBytes(w io.Writer, b []byte) error {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readUvarintBytes(r io.Reader) ([]byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func dir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// Snapshotter periodically dumps backend to path and on Close.
type Snapshotter struct {
	backend  cache.Backend
	path     string
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce bool
}

// NewSnapshotter starts a background goroutine that dumps backend to
// path every interval, and loads any pre-existing snapshot immediately.
func NewSnapshotter(backend cache.Backend, path string, interval time.Duration, logger *zap.Logger) *Snapshotter {
	Load(backend, path, logger)

	s := &Snapshotter{backend: backend, path: path, logger: logger, stopCh: make(chan struct{})}
	if interval > 0 {
		go s.run(interval)
	}
	return s
}

func (s *Snapshotter) run(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := Dump(s.backend, s.path); err != nil {
				s.logger.Warn("periodic cache snapshot failed", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the periodic dump and writes one final snapshot.
func (s *Snapshotter) Close() error {
	if !s.stopOnce {
		s.stopOnce = true
		close(s.stopCh)
	}
	return Dump(s.backend, s.path)
}
