package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// GenesisHash is the prev_hash of the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only JSONL audit log with SHA-256 hash chaining. Each
// entry's prev_hash is the hash of the previous entry's JSON line, forming a
// tamper-evident chain. The file is watched with fsnotify so a logrotate
// rename or delete reopens the file instead of silently appending to the
// rotated copy.
type Log struct {
	path     string
	file     *os.File
	prevHash string
	watcher  *fsnotify.Watcher
	done     chan struct{}
	mu       sync.Mutex
}

// Open opens (or creates) an audit log file for appending. If the file
// already exists, the last line is read back to recover the chain tail.
func Open(path string) (*Log, error) {
	file, prevHash, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	l := &Log{
		path:     path,
		file:     file,
		prevHash: prevHash,
		done:     make(chan struct{}),
	}

	// Rotation watch is best-effort; the log still works without it.
	if w, werr := fsnotify.NewWatcher(); werr == nil {
		if werr = w.Add(filepath.Dir(path)); werr == nil {
			l.watcher = w
			go l.watchRotation()
		} else {
			w.Close()
		}
	}

	return l, nil
}

func openAppend(path string) (*os.File, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("audit: create directory: %w", err)
	}

	prevHash := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("audit: read existing log: %w", err)
		}
		scanner := bufio.NewScanner(f)
		var lastLine []byte
		for scanner.Scan() {
			lastLine = append(lastLine[:0], scanner.Bytes()...)
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, "", fmt.Errorf("audit: scan existing log: %w", err)
		}
		if len(lastLine) > 0 {
			prevHash = HashLine(lastLine)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("audit: open file: %w", err)
	}
	return file, prevHash, nil
}

func (l *Log) watchRotation() {
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != l.path || !ev.Op.Has(fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			l.mu.Lock()
			l.file.Close()
			file, prevHash, err := openAppend(l.path)
			if err != nil {
				log.Printf("audit: reopen after rotation failed: %v", err)
			} else {
				l.file = file
				l.prevHash = prevHash
			}
			l.mu.Unlock()
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Record appends an event with hash chaining. It sets PrevHash and stamps
// the timestamp when empty, marshals to one JSON line and syncs to disk.
func (l *Log) Record(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	event.PrevHash = l.prevHash

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	return nil
}

// Close stops the rotation watcher and closes the file.
func (l *Log) Close() error {
	close(l.done)
	if l.watcher != nil {
		l.watcher.Close()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	sum := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(sum[:])
}
