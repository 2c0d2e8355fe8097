package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// BaseDir returns ~/.knot.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".knot")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// CacheDBPath returns the cache store path for a profile.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// QueueDBPath returns the send queue path for a profile. The queue lives in
// its own database file so cache eviction or corruption never touches send
// intents.
func QueueDBPath(name string) string {
	return filepath.Join(Dir(name), "queue.db")
}

// LockPath returns the lock file path for a profile.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "knotd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ValidateName rejects profile names that could escape the profiles directory
// or produce awkward paths.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match %s", name, nameRe)
	}
	return nil
}
