package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type manifestFile struct {
	Models []puppet.Descriptor `yaml:"models"`
}

// ParseManifest decodes a manifest document. Relative sources are resolved
// against dir.
func ParseManifest(data []byte, dir string) ([]puppet.Descriptor, error) {
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(mf.Models) == 0 {
		return nil, fmt.Errorf("manifest lists no models")
	}

	seen := make(map[string]bool, len(mf.Models))
	for i := range mf.Models {
		d := &mf.Models[i]
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("manifest: duplicate model id %q", d.ID)
		}
		seen[d.ID] = true
		if dir != "" && isLocalRelative(d.Source) {
			d.Source = filepath.Join(dir, d.Source)
		}
	}
	return mf.Models, nil
}

func isLocalRelative(src string) bool {
	if strings.Contains(src, "://") {
		return false
	}
	return !filepath.IsAbs(src)
}

// Manifest is the static list of bundled models, reloaded when its file
// changes on disk.
type Manifest struct {
	mu       sync.RWMutex
	path     string
	models   []puppet.Descriptor
	onChange []func([]puppet.Descriptor)
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func LoadManifest(path string, logger zerolog.Logger) (*Manifest, error) {
	m := &Manifest{
		path: path,
		log:  logger.With().Str("manifest", path).Logger(),
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	models, err := ParseManifest(data, filepath.Dir(m.path))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.models = models
	listeners := append([]func([]puppet.Descriptor){}, m.onChange...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(cloneDescriptors(models))
	}
	return nil
}

// List implements Source.
func (m *Manifest) List(context.Context) ([]puppet.Descriptor, error) {
	return m.Models(), nil
}

func (m *Manifest) Models() []puppet.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneDescriptors(m.models)
}

// OnChange registers fn to receive the model list after every reload.
func (m *Manifest) OnChange(fn func([]puppet.Descriptor)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch reloads the manifest whenever its file is written or replaced. A
// reload that fails to parse keeps the previous list.
func (m *Manifest) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files instead of writing them.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop(watcher, m.done)
	return nil
}

func (m *Manifest) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	target := filepath.Clean(m.path)
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := m.reload(); err != nil {
				m.log.Warn().Err(err).Msg("Manifest reload failed")
				continue
			}
			m.log.Info().Msg("Manifest reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("Manifest watcher error")
		}
	}
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	w := m.watcher
	done := m.done
	m.watcher = nil
	m.done = nil
	m.mu.Unlock()

	if w == nil {
		return nil
	}
	close(done)
	return w.Close()
}

func cloneDescriptors(in []puppet.Descriptor) []puppet.Descriptor {
	out := make([]puppet.Descriptor, len(in))
	copy(out, in)
	return out
}
