// Package installer seeds a fresh deskfs namespace with the default
// desktop layout.
package installer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/vfs"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

const component = "installer"

// SymlinkFile is the marker written into a directory that stands in for
// another absolute path. Its text content is the target.
const SymlinkFile = ".symlink"

// Symlink pairs an alias directory with the path it stands for.
type Symlink struct {
	Path   string
	Target string
}

// Seed file locations. Installed looks for VersionFile.
const (
	VersionDir  = "/System/Library/CoreServices"
	VersionFile = "SystemVersion.plist"
	HostsDir    = "/private/etc"
	WelcomeDir  = "/Users/Guest/Desktop"
)

// UnixDirs are the hidden Unix directories.
var UnixDirs = []string{
	"/bin",
	"/sbin",
	"/dev",
	"/etc",
	"/tmp",
	"/var",
	"/usr/bin",
	"/usr/sbin",
	"/usr/lib",
	"/usr/local/bin",
	"/private/var/log",
	"/private/var/tmp",
	"/private/etc",
	"/private/tmp",
	"/opt/homebrew",
	"/cores",
}

// SystemDirs are the read-mostly system directories.
var SystemDirs = []string{
	"/System/Library/CoreServices",
	"/System/Library/Fonts",
	"/System/Library/Frameworks",
	"/System/Library/PreferencePanes",
	"/System/Library/Sounds",
	"/Library/Application Support",
	"/Library/Audio/Plug-Ins",
	"/Library/Desktop Pictures",
	"/Library/Fonts",
	"/Library/Preferences",
	"/Volumes/Macintosh HD",
}

// UserDirs are the applications folder and the guest home.
var UserDirs = []string{
	"/Applications",
	"/Applications/Utilities",
	"/Users/Shared",
	"/Users/Guest/Desktop",
	"/Users/Guest/Documents",
	"/Users/Guest/Downloads",
	"/Users/Guest/Movies",
	"/Users/Guest/Music",
	"/Users/Guest/Pictures",
	"/Users/Guest/Public",
	"/Users/Guest/Library/Application Support",
	"/Users/Guest/Library/Preferences",
}

// Symlinks are the alias directories and their targets.
var Symlinks = []Symlink{
	{Path: "/var", Target: "/private/var"},
	{Path: "/etc", Target: "/private/etc"},
	{Path: "/tmp", Target: "/private/tmp"},
}

const systemVersion = `<dict>
  <key>ProductName</key><string>macOS</string>
  <key>ProductVersion</key><string>14.4.1 (Sonoma)</string>
  <key>BuildVersion</key><string>23E224</string>
</dict>`

const hosts = "127.0.0.1\tlocalhost\n255.255.255.255\tbroadcast"

const welcome = "Welcome to the Web-Based Mac Simulation."

// Option configures Install.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used to report progress.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Install creates every directory of the default layout, the symlink
// markers and the seed files. It is idempotent: existing directories are
// kept and seed files are rewritten with the same content. Files go
// through the write cache, so they reach the backend on the next flush.
func Install(ctx context.Context, fs *vfs.FileSystem, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := utils.Component(o.logger, component)
	start := time.Now()
	logger.Info("Starting installation")

	dirs := make([]string, 0, len(UnixDirs)+len(SystemDirs)+len(UserDirs))
	dirs = append(dirs, UnixDirs...)
	dirs = append(dirs, SystemDirs...)
	dirs = append(dirs, UserDirs...)
	for _, dir := range dirs {
		if err := fs.MkdirAll(ctx, dir); err != nil {
			return wrap("mkdir", dir, err)
		}
	}

	for _, link := range Symlinks {
		if err := fs.MkdirAll(ctx, link.Path); err != nil {
			return wrap("mkdir", link.Path, err)
		}
		if err := fs.WriteText(link.Path, SymlinkFile, link.Target); err != nil {
			return wrap("symlink", link.Path, err)
		}
	}

	seeds := []struct{ dir, name, text string }{
		{VersionDir, VersionFile, systemVersion},
		{HostsDir, "hosts", hosts},
		{WelcomeDir, "Welcome.txt", welcome},
	}
	for _, s := range seeds {
		if err := fs.WriteText(s.dir, s.name, s.text); err != nil {
			return wrap("write", utils.JoinPath(s.dir, s.name), err)
		}
	}

	logger.Info("Installation complete",
		zap.Int("directories", len(dirs)),
		zap.Int("symlinks", len(Symlinks)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Installed reports whether the system version file is present.
func Installed(ctx context.Context, fs *vfs.FileSystem) bool {
	return fs.Exists(ctx, utils.JoinPath(VersionDir, VersionFile))
}

// ReadSymlink returns the target recorded in dir's symlink marker. A
// directory without a marker yields a NOT_FOUND error. Nothing in the
// filesystem follows the target; it is advisory.
func ReadSymlink(ctx context.Context, fs *vfs.FileSystem, dir string) (string, error) {
	content, err := fs.ReadFile(ctx, dir, SymlinkFile)
	if err != nil {
		return "", err
	}
	if content.Len() == 0 {
		return "", errors.NotFound(utils.JoinPath(dir, SymlinkFile)).
			WithComponent(component).WithDetail("reason", "empty marker")
	}
	return strings.TrimSpace(content.String()), nil
}

// IsSymlink reports whether entry is a symlink marker.
func IsSymlink(entry types.DirectoryEntry) bool {
	return entry.Kind == types.KindFile && entry.Name == SymlinkFile
}

func wrap(op, path string, err error) error {
	if errors.CodeOf(err) != errors.ErrCodeInternalError {
		return err
	}
	return errors.BackendIO(op, path, err).WithComponent(component)
}
