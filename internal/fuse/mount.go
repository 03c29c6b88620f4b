package fuse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/config"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	mu         sync.Mutex
	filesystem *FileSystem
	server     *fuse.Server
	config     *MountConfig
	mounted    bool
	logger     *zap.Logger
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	ReadOnly     bool          `yaml:"read_only"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	MaxWrite     int           `yaml:"max_write"`
}

// MountConfigFrom converts the mount section of the process
// configuration.
func MountConfigFrom(c config.MountConfig) *MountConfig {
	return &MountConfig{
		MountPoint:   c.MountPoint,
		ReadOnly:     c.ReadOnly,
		AllowOther:   c.AllowOther,
		Debug:        c.Debug,
		FSName:       "deskfs",
		AttrTimeout:  c.AttrTimeout,
		EntryTimeout: c.EntryTimeout,
		MaxWrite:     128 * 1024,
	}
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, cfg *MountConfig) *MountManager {
	if cfg == nil {
		cfg = &MountConfig{
			FSName:       "deskfs",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			MaxWrite:     128 * 1024,
		}
	}
	if cfg.ReadOnly {
		filesystem.config.ReadOnly = true
	}
	return &MountManager{
		filesystem: filesystem,
		config:     cfg,
		logger:     filesystem.logger,
	}
}

// Mount mounts the filesystem at the specified mount point
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	m.server = server
	m.mounted = true
	m.logger.Info("Filesystem mounted",
		zap.String("mount_point", m.config.MountPoint),
		zap.Bool("read_only", m.config.ReadOnly))

	go func() {
		server.Wait()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped")
	}()
	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return fmt.Errorf("filesystem is not mounted")
	}

	m.logger.Info("Unmounting filesystem", zap.String("mount_point", m.config.MountPoint))
	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("Normal unmount failed, trying lazy unmount", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return fmt.Errorf("unmount failed: %w (force unmount also failed: %v)", err, forceErr)
		}
	}

	m.mounted = false
	m.server = nil
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the current mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the mount is released.
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() FilesystemStats {
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("Mount point is not empty", zap.String("mount_point", m.config.MountPoint))
	}

	if isMounted("/proc/mounts", m.config.MountPoint) {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	attr, entry := m.config.AttrTimeout, m.config.EntryTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
			MaxWrite:   m.config.MaxWrite,
		},
		AttrTimeout:     &attr,
		EntryTimeout:    &entry,
		NullPermissions: true,
	}

	if m.config.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	return opts
}

// isMounted reports whether mountPoint appears as a mount target in the
// given mounts table.
func isMounted(mountsFile, mountPoint string) bool {
	f, err := os.Open(mountsFile)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	target := filepath.Clean(mountPoint)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && filepath.Clean(fields[1]) == target {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH first, then MNT_FORCE.
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}
