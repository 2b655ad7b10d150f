// Package logtail reads and follows daemon log files. It keeps no persisted
// read cursor: every follow session starts fresh from the current end of the
// file, optionally seeded with the last N existing lines.
package logtail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

const readBlockSize = 8192

// Read returns the final lastN lines of the file at path, in original order.
func Read(path string, lastN int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating log: %w", err)
	}
	return readTail(f, fi.Size(), lastN)
}

// readTail returns the final lastN lines of the first size bytes of f,
// leaving f's cursor at size when any lines are read.
func readTail(f *os.File, size int64, lastN int) ([]string, error) {
	if lastN <= 0 || size == 0 {
		return nil, nil
	}

	// Scan backward in blocks for line boundaries until lastN lines are
	// covered or the start of the file is reached.
	offset := size
	newlines := 0
	buf := make([]byte, readBlockSize)
scan:
	for offset > 0 {
		n := int64(readBlockSize)
		if offset < n {
			n = offset
		}
		offset -= n
		if _, err := f.ReadAt(buf[:n], offset); err != nil {
			return nil, fmt.Errorf("reading log: %w", err)
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] != '\n' {
				continue
			}
			if offset+i == size-1 {
				// Trailing newline terminates the last line, it does
				// not start a new one.
				continue
			}
			newlines++
			if newlines == lastN {
				offset += i + 1
				break scan
			}
		}
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking log: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, size-offset))
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > lastN {
		lines = lines[len(lines)-lastN:]
	}
	return lines, nil
}

// CleanupFunc stops a follow session and waits for its goroutine to exit.
type CleanupFunc func() error

// Follow streams lines appended to the file at path. The returned channel
// first delivers the final lastN existing lines, then blocks on new appended
// bytes until ctx is canceled or cleanup is called. The channel is closed and
// the file handle released on every exit path.
func Follow(ctx context.Context, path string, lastN int) (<-chan string, CleanupFunc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("creating watcher: %w", err)
	}
	// Watch the directory: append events arrive for the file itself, and a
	// watch on the parent survives log rotation by recreation.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		_ = f.Close()
		return nil, nil, fmt.Errorf("watching log dir: %w", err)
	}

	// The seed tail and the streaming cursor come from the same handle and
	// the same recorded end offset, so a line appended while the tail is
	// computed is picked up by the stream instead of falling in between.
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = watcher.Close()
		_ = f.Close()
		return nil, nil, fmt.Errorf("seeking log: %w", err)
	}
	initial, err := readTail(f, end, lastN)
	if err != nil {
		_ = watcher.Close()
		_ = f.Close()
		return nil, nil, err
	}

	ch := make(chan string, 64)

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
		_ = f.Close()
		close(ch)
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}

	sctx.Go(func(sctx *stopper.Context) error {
		var partial []byte

		emit := func(line string) bool {
			select {
			case ch <- line:
				return true
			case <-sctx.Stopping():
				return false
			}
		}

		for _, line := range initial {
			if !emit(line) {
				return nil
			}
		}

		// drain reads everything appended since the last read, carrying an
		// unterminated final segment over to the next call.
		drain := func() bool {
			for {
				data, err := io.ReadAll(f)
				if err != nil || len(data) == 0 {
					return true
				}
				partial = append(partial, data...)
				for {
					idx := bytes.IndexByte(partial, '\n')
					if idx < 0 {
						break
					}
					if !emit(string(partial[:idx])) {
						return false
					}
					partial = partial[idx+1:]
				}
			}
		}

		// Fallback poll catches appends fsnotify coalesced or missed.
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Name == path && event.Op.Has(fsnotify.Write) {
					if !drain() {
						return nil
					}
				}
			case <-ticker.C:
				if !drain() {
					return nil
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
			}
		}
		return nil
	})

	return ch, cleanup, nil
}
