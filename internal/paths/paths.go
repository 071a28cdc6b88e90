// Package paths defines the on-disk layout under ~/.chatvault. There is one
// store file per install; accounts share it and are kept apart by row
// namespacing inside the store.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatvault.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatvault")
}

// DBPath returns the cache store file path.
func DBPath() string {
	return filepath.Join(BaseDir(), "cache.db")
}

// SocketPath returns the daemon's unix socket path.
func SocketPath() string {
	return filepath.Join(BaseDir(), "daemon.sock")
}

// LockPath returns the daemon lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "chatvaultd.log")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the directory tree with owner-only permissions.
func EnsureDirs() error {
	for _, d := range []string{BaseDir(), LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
