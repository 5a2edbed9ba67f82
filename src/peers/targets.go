package peers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// TargetStore reads the seed list of addresses the dial monitor should
// connect to. The file contains a JSON array of address strings, such
// as ["[::1]:8090", "127.0.0.1:8091"].
//
// The store can watch the file and re-read it when it changes, so that
// addresses added at runtime are picked up by the next dial tick.
// Removing an address never tears down an established session; it only
// stops future re-dials.
type TargetStore struct {
	l      sync.Mutex
	path   string
	addrs  []string
	logger *logrus.Entry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewTargetStore creates a store for the given target file.
func NewTargetStore(path string, logger *logrus.Entry) *TargetStore {
	return &TargetStore{
		path:   path,
		logger: logger.WithField("prefix", "targets"),
	}
}

// Load reads and parses the target file, replacing the current list.
// Addresses are normalised and de-duplicated.
func (t *TargetStore) Load() error {
	buf, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("reading target file: %w", err)
	}

	var raw []string
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("target file %s is not a JSON array of addresses: %w", t.path, err)
	}

	seen := map[string]bool{}
	addrs := make([]string, 0, len(raw))
	for _, a := range raw {
		na, err := NormalizeAddr(a)
		if err != nil {
			return err
		}
		if !seen[na] {
			seen[na] = true
			addrs = append(addrs, na)
		}
	}
	sort.Strings(addrs)

	t.l.Lock()
	t.addrs = addrs
	t.l.Unlock()

	return nil
}

// Targets returns a copy of the current address list.
func (t *TargetStore) Targets() []string {
	t.l.Lock()
	defer t.l.Unlock()

	out := make([]string, len(t.addrs))
	copy(out, t.addrs)
	return out
}

// Write persists a list of addresses to the target file.
func (t *TargetStore) Write(addrs []string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(addrs); err != nil {
		return err
	}
	return os.WriteFile(t.path, buf.Bytes(), 0644)
}

// Watch re-reads the target file whenever it changes. Editors and
// config management tools typically replace the file, so the watch is
// set on the parent directory and filtered by name.
func (t *TargetStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating target file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(t.path), err)
	}

	t.watcher = watcher
	t.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := t.Load(); err != nil {
					t.logger.WithError(err).Warn("Re-reading target file")
					continue
				}
				t.logger.WithField("targets", len(t.Targets())).Debug("Target file re-read")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.WithError(err).Warn("Target file watcher")
			case <-t.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the watcher, if one was started.
func (t *TargetStore) Close() {
	if t.watcher != nil {
		close(t.done)
		t.watcher.Close()
		t.watcher = nil
	}
}
