package paths

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.fedrelay.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fedrelay")
}

// Layout resolves every file the daemon owns below one data directory.
type Layout struct {
	Root string
}

// New returns the layout rooted at dir, or at the default data dir when dir is empty.
func New(dir string) Layout {
	if dir == "" {
		dir = DefaultDataDir()
	}
	return Layout{Root: dir}
}

// ConfigPath returns the daemon config file path.
func (l Layout) ConfigPath() string { return filepath.Join(l.Root, "relayd.toml") }

// DBPath returns the relay store path.
func (l Layout) DBPath() string { return filepath.Join(l.Root, "relay.db") }

// DirectoryPath returns the pebble directory used by the federation registry.
func (l Layout) DirectoryPath() string { return filepath.Join(l.Root, "directory") }

// WhatsAppSessionPath returns the whatsmeow device store path.
func (l Layout) WhatsAppSessionPath() string { return filepath.Join(l.Root, "whatsapp.db") }

// SocketPath returns the control socket path.
func (l Layout) SocketPath() string { return filepath.Join(l.Root, "relayd.sock") }

// LogDir returns the log directory.
func (l Layout) LogDir() string { return filepath.Join(l.Root, "logs") }

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string { return filepath.Join(l.LogDir(), "relayd.log") }

// Ensure creates the data directory tree with proper permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Root, l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
