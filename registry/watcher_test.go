package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelevantEvents(t *testing.T) {
	cases := []struct {
		name string
		ev   fsnotify.Event
		want bool
	}{
		{"yaml write", fsnotify.Event{Name: "rules.yaml", Op: fsnotify.Write}, true},
		{"yml create", fsnotify.Event{Name: "rules.yml", Op: fsnotify.Create}, true},
		{"yaml remove", fsnotify.Event{Name: "rules.yaml", Op: fsnotify.Remove}, true},
		{"yaml chmod only", fsnotify.Event{Name: "rules.yaml", Op: fsnotify.Chmod}, false},
		{"editor swap file", fsnotify.Event{Name: "rules.yaml.swp", Op: fsnotify.Write}, false},
		{"unrelated file", fsnotify.Event{Name: "notes.txt", Op: fsnotify.Write}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, relevant(tc.ev))
		})
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(logonRuleYAML), 0o644))

	reg := New(testLogger())
	loader := NewLoader()
	require.Empty(t, loader.LoadDirInto(reg, dir))
	initial := reg.Active().Version

	w := NewWatcher(reg, loader, dir, testLogger())
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher a moment to register before touching the directory.
	time.Sleep(100 * time.Millisecond)
	updated := replaceOnce(logonRuleYAML, "rule_id: brute-force-logon", "rule_id: renamed-rule")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		rs := reg.Active()
		return rs.Version > initial && rs.Rule("renamed-rule") != nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}

func TestWatcherKeepsPriorSetOnBrokenEdit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(logonRuleYAML), 0o644))

	reg := New(testLogger())
	loader := NewLoader()
	require.Empty(t, loader.LoadDirInto(reg, dir))

	w := NewWatcher(reg, loader, dir, testLogger())
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte("rule_id: broken\n"), 0o644))

	// The broken edit is rejected; the running set stays intact.
	time.Sleep(500 * time.Millisecond)
	assert.NotNil(t, reg.Active().Rule("brute-force-logon"))

	cancel()
	<-done
}