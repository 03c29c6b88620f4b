package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig controls the log file sink.
type RotationConfig struct {
	Filename string

	// MaxSize is the size in bytes at which the file is rotated (0 = never).
	MaxSize int64

	// MaxBackups is the number of rotated files to keep (0 = keep all).
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// RotatingFile is a zapcore.WriteSyncer that appends to a log file and
// rotates it by size.
type RotatingFile struct {
	mu sync.Mutex

	config RotationConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// NewRotatingFile opens (or creates) the log file described by config.
func NewRotatingFile(config RotationConfig) (*RotatingFile, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}

	rf := &RotatingFile{config: config, now: time.Now}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write appends p, rotating first when p would push the file past MaxSize.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}

	if rf.config.MaxSize > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.config.MaxSize {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Sync flushes the file to disk.
func (rf *RotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	return rf.file.Sync()
}

// Close closes the current file. Later writes fail.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// Rotate forces a rotation regardless of size.
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotate()
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.config.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(rf.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rf.file = file
	rf.size = info.Size()
	return nil
}

func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return err
		}
		rf.file = nil
	}

	backup := rf.backupName(rf.now().UTC())
	if err := os.Rename(rf.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Compression and pruning problems must not stop logging.
	if rf.config.Compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "deskfs: compress %s: %v\n", backup, err)
		}
	}
	if err := rf.prune(); err != nil {
		fmt.Fprintf(os.Stderr, "deskfs: prune log backups: %v\n", err)
	}

	return rf.open()
}

func (rf *RotatingFile) backupName(ts time.Time) string {
	dir := filepath.Dir(rf.config.Filename)
	base := filepath.Base(rf.config.Filename)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, ts.Format("2006-01-02T15-04-05.000"), ext))
}

// backups lists rotated files, oldest first.
func (rf *RotatingFile) backups() ([]string, error) {
	dir := filepath.Dir(rf.config.Filename)
	base := filepath.Base(rf.config.Filename)
	prefix := strings.TrimSuffix(base, filepath.Ext(base)) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == base || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	// Timestamps sort lexically.
	sort.Strings(names)
	return names, nil
}

func (rf *RotatingFile) prune() error {
	if rf.config.MaxBackups <= 0 {
		return nil
	}

	names, err := rf.backups()
	if err != nil {
		return err
	}

	dir := filepath.Dir(rf.config.Filename)
	for len(names) > rf.config.MaxBackups {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
