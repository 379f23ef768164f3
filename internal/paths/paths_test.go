package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDefaultsToHome(t *testing.T) {
	l := New("")
	if !strings.HasSuffix(l.Root, ".fedrelay") {
		t.Errorf("Root = %q, want suffix .fedrelay", l.Root)
	}
}

func TestLayoutPaths(t *testing.T) {
	l := New("/data")
	tests := []struct {
		got, want string
	}{
		{l.ConfigPath(), "/data/relayd.toml"},
		{l.DBPath(), "/data/relay.db"},
		{l.DirectoryPath(), "/data/directory"},
		{l.SocketPath(), "/data/relayd.sock"},
		{l.LogPath(), "/data/logs/relayd.log"},
		{l.WhatsAppSessionPath(), "/data/whatsapp.db"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEnsurePermissions(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "fed"))
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	info, err := os.Stat(l.LogDir())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}
}
