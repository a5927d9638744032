// Package session lays out the per-session state directory:
// ~/.chatsync/sessions/<name>/{outbox.db,daemon.sock,LOCK,logs/syncd.log}.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const DefaultName = "main"

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid session name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match ^[a-z0-9_-]{1,64}$", ErrInvalidName, name)
	}
	return nil
}

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync.
func BaseDir() string {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Paths holds every file a session owns.
type Paths struct {
	Name   string
	Dir    string
	DB     string
	Socket string
	Lock   string
	LogDir string
	Log    string
}

// For validates name and returns its paths.
func For(name string) (Paths, error) {
	if err := ValidateName(name); err != nil {
		return Paths{}, err
	}
	dir := filepath.Join(BaseDir(), "sessions", name)
	logDir := filepath.Join(dir, "logs")
	return Paths{
		Name:   name,
		Dir:    dir,
		DB:     filepath.Join(dir, "outbox.db"),
		Socket: filepath.Join(dir, "daemon.sock"),
		Lock:   filepath.Join(dir, "LOCK"),
		LogDir: logDir,
		Log:    filepath.Join(logDir, "syncd.log"),
	}, nil
}

// Ensure creates the session directory tree with owner-only permissions.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Dir, p.LogDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// Resolve picks the session name: the flag, then the configured default,
// then DefaultName.
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return DefaultName
}
