// Package prefs persists which entities the bus bridge exposes. The
// file is owned by an external store in deployment terms; this package
// loads it, applies defaults, and hot-reloads on change so the bridge
// follows edits without a restart.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/stackwatch/stackwatch/internal/core/domain"
)

// ContainerPrefs controls what is exposed for one container, keyed by
// its stable id.
type ContainerPrefs struct {
	State   bool            `json:"state"`
	Actions map[string]bool `json:"actions"`
}

// GlobalPrefs controls the host-wide entities.
type GlobalPrefs struct {
	DeleteUnusedImages bool `json:"delete_unused_images"`
	UpdatesOverview    bool `json:"updates_overview"`
	FullUpdateAll      bool `json:"full_update_all"`
}

func defaultContainerPrefs() ContainerPrefs {
	actions := make(map[string]bool, len(domain.Actions))
	for _, a := range domain.Actions {
		actions[string(a)] = true
	}
	return ContainerPrefs{State: true, Actions: actions}
}

func defaultGlobalPrefs() GlobalPrefs {
	return GlobalPrefs{DeleteUnusedImages: true, UpdatesOverview: true, FullUpdateAll: true}
}

type fileShape struct {
	Containers map[string]ContainerPrefs `json:"containers"`
	Global     *GlobalPrefs              `json:"global,omitempty"`
}

// Store is the preference file with defaults applied on read.
type Store struct {
	path string
	log  logrus.FieldLogger

	mu         sync.Mutex
	containers map[string]ContainerPrefs
	global     GlobalPrefs
	changed    []chan struct{}
}

func NewStore(path string, log logrus.FieldLogger) *Store {
	s := &Store{
		path:       path,
		log:        log,
		containers: make(map[string]ContainerPrefs),
		global:     defaultGlobalPrefs(),
	}
	if err := s.Reload(); err != nil {
		log.WithError(err).Warn("preference file unreadable, starting with defaults")
	}
	return s
}

// Reload re-reads the file. A missing file is not an error: everything
// defaults to exposed.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading preferences: %w", err)
	}

	var shape fileShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return fmt.Errorf("parsing preferences: %w", err)
	}

	s.mu.Lock()
	s.containers = make(map[string]ContainerPrefs, len(shape.Containers))
	for id, p := range shape.Containers {
		s.containers[id] = normalize(p)
	}
	if shape.Global != nil {
		s.global = *shape.Global
	} else {
		s.global = defaultGlobalPrefs()
	}
	s.mu.Unlock()

	s.notify()
	return nil
}

func normalize(p ContainerPrefs) ContainerPrefs {
	out := defaultContainerPrefs()
	out.State = p.State
	for _, a := range domain.Actions {
		if v, ok := p.Actions[string(a)]; ok {
			out.Actions[string(a)] = v
		}
	}
	return out
}

// For returns the preferences for a stable id, with defaults when the
// id was never configured.
func (s *Store) For(stableID string) ContainerPrefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.containers[stableID]; ok {
		return normalize(p)
	}
	return defaultContainerPrefs()
}

// Global returns the host-wide preferences.
func (s *Store) Global() GlobalPrefs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// Set stores the preferences for one stable id and persists the file.
func (s *Store) Set(stableID string, p ContainerPrefs) error {
	s.mu.Lock()
	s.containers[stableID] = normalize(p)
	err := s.saveLocked()
	s.mu.Unlock()
	s.notify()
	return err
}

// SetGlobal stores the host-wide preferences and persists the file.
func (s *Store) SetGlobal(g GlobalPrefs) error {
	s.mu.Lock()
	s.global = g
	err := s.saveLocked()
	s.mu.Unlock()
	s.notify()
	return err
}

// Prune drops entries for stable ids that no longer exist.
func (s *Store) Prune(valid map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for id := range s.containers {
		if !valid[id] {
			delete(s.containers, id)
			removed = true
		}
	}
	if !removed {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating preference directory: %w", err)
		}
	}
	shape := fileShape{Containers: s.containers, Global: &s.global}
	raw, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing preferences: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Changed returns a channel signaled after every reload or write.
func (s *Store) Changed() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = append(s.changed, ch)
	return ch
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.changed {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch reloads the store whenever the file changes on disk, until ctx
// is done. Editors and bind mounts replace rather than rewrite the file,
// so the watch is on the directory and filtered by name.
func (s *Store) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return fmt.Errorf("creating preference directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.log.WithError(err).Warn("preference reload failed")
				} else {
					s.log.Info("preferences reloaded")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.WithError(err).Warn("preference watcher error")
			}
		}
	}()
	return nil
}
