// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package skills loads handler manifests (SKILL.md files) into the handler
// registry consulted by the predictor and the router.
package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/lexicon"
	"github.com/traylinx/kilorouter/internal/types"
	"github.com/traylinx/kilorouter/internal/util"

	log "github.com/sirupsen/logrus"
)

// Skill is a loaded handler manifest.
type Skill struct {
	// ID is the directory name of the manifest.
	ID string `json:"id"`
	Manifest
	// Keywords are the normalized keywords of the description.
	Keywords []string `json:"keywords"`
	Path     string   `json:"path,omitempty"`
	Body     string   `json:"-"`

	terms *lexicon.TermSet
}

func newSkill(id string, m Manifest, path, body string) *Skill {
	keywords := ExtractKeywords(m.Description)
	if len(keywords) == 0 {
		keywords = strings.Split(id, "-")
	}
	var words []string
	for _, k := range keywords {
		words = append(words, lexicon.Words(k)...)
	}
	return &Skill{ID: id, Manifest: m, Keywords: keywords, Path: path, Body: body, terms: lexicon.NewTermSet(words, nil)}
}

// NewSkill builds a skill from a manifest without a file behind it.
func NewSkill(id string, m Manifest) *Skill {
	return newSkill(id, m, "", "")
}

// Descriptor returns the skill as the router sees it.
func (s *Skill) Descriptor(eff types.Effectiveness) types.HandlerDescriptor {
	d := types.HandlerDescriptor{
		ID:               s.ID,
		Description:      s.Description,
		Keywords:         append([]string(nil), s.Keywords...),
		Intents:          append([]types.IntentType(nil), s.Intents...),
		SecondaryIntents: append([]types.IntentType(nil), s.SecondaryIntents...),
		Domains:          append([]string(nil), s.Domains...),
		Dependencies:     append([]string(nil), s.Dependencies...),
		Follows:          append([]string(nil), s.Follows...),
		Alternatives:     append([]string(nil), s.Alternatives...),
		Disabled:         s.Disabled,
		Effectiveness:    eff,
	}
	if s.TokenEstimate != nil {
		d.TokenEstimate = *s.TokenEstimate
	}
	return d
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvents publishes registry_reloaded events on p.
func WithEvents(p hooks.Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithEffectivenessFile persists effectiveness metrics to path through sb.
func WithEffectivenessFile(sb *util.StateBox, path string) Option {
	return func(r *Registry) {
		r.sb = sb
		r.effPath = path
	}
}

// Registry holds the loaded skills and their rolling effectiveness metrics.
type Registry struct {
	dir    string
	events hooks.Publisher

	mu         sync.RWMutex
	skills     map[string]*Skill
	skillsList []*Skill

	effMu         sync.RWMutex
	effectiveness map[string]types.Effectiveness
	sb            *util.StateBox
	effPath       string

	watcher     *fsnotify.Watcher
	watcherDone chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		events:        hooks.Discard,
		skills:        make(map[string]*Skill),
		effectiveness: make(map[string]types.Effectiveness),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.effPath != "" {
		if err := r.loadEffectiveness(); err != nil {
			log.Warnf("Failed to load handler effectiveness from %s: %v", r.effPath, err)
		}
	}
	return r
}

// LoadAll replaces the registry contents with every SKILL.md under dir.
// Unreadable or malformed manifests are skipped with a warning.
func (r *Registry) LoadAll(dir string) error {
	if dir == "" {
		return fmt.Errorf("skills directory not specified")
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("skills directory does not exist: %s", dir)
	}

	log.Infof("Loading skills from %s...", dir)

	var loaded []*Skill
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(d.Name(), ManifestFile) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("Failed to read %s: %v", path, err)
			return nil
		}
		m, body, err := ParseManifest(content)
		if err != nil {
			log.Warnf("Skipping %s: %v", path, err)
			return nil
		}

		id := filepath.Base(filepath.Dir(path))
		if m.Name == "" {
			m.Name = id
		}
		loaded = append(loaded, newSkill(id, m, path, body))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk skills directory: %w", err)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].ID < loaded[j].ID })

	r.mu.Lock()
	r.dir = dir
	r.skills = make(map[string]*Skill, len(loaded))
	r.skillsList = loaded[:0:0]
	for _, s := range loaded {
		if _, dup := r.skills[s.ID]; dup {
			log.Warnf("Duplicate skill id %s at %s ignored", s.ID, s.Path)
			continue
		}
		r.skills[s.ID] = s
		r.skillsList = append(r.skillsList, s)
	}
	count := len(r.skillsList)
	r.mu.Unlock()

	log.Infof("Loaded %d skills", count)
	return nil
}

// Put adds or replaces a skill.
func (r *Registry) Put(s *Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[s.ID]; !exists {
		r.skillsList = append(r.skillsList, s)
		sort.Slice(r.skillsList, func(i, j int) bool { return r.skillsList[i].ID < r.skillsList[j].ID })
	} else {
		for i, old := range r.skillsList {
			if old.ID == s.ID {
				r.skillsList[i] = s
			}
		}
	}
	r.skills[s.ID] = s
}

// GetSkill returns the skill with id.
func (r *Registry) GetSkill(id string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.skills[id]
	if !ok {
		return nil, fmt.Errorf("skill not found: %s", id)
	}
	return s, nil
}

// Get returns the descriptor of the handler id, including disabled ones.
func (r *Registry) Get(id string) (types.HandlerDescriptor, bool) {
	s, err := r.GetSkill(id)
	if err != nil {
		return types.HandlerDescriptor{}, false
	}
	return s.Descriptor(r.Effectiveness(id)), true
}

// Has reports whether a handler with id is registered and enabled.
func (r *Registry) Has(id string) bool {
	s, err := r.GetSkill(id)
	return err == nil && !s.Disabled
}

// Handlers returns the descriptors of every enabled handler, sorted by id.
func (r *Registry) Handlers() []types.HandlerDescriptor {
	r.mu.RLock()
	list := make([]*Skill, len(r.skillsList))
	copy(list, r.skillsList)
	r.mu.RUnlock()

	out := make([]types.HandlerDescriptor, 0, len(list))
	for _, s := range list {
		if s.Disabled {
			continue
		}
		out = append(out, s.Descriptor(r.Effectiveness(s.ID)))
	}
	return out
}

// ListCandidates returns the enabled handlers sharing at least one keyword
// with keywords at any match tier, sorted by id.
func (r *Registry) ListCandidates(keywords []string) []types.HandlerDescriptor {
	r.mu.RLock()
	list := make([]*Skill, len(r.skillsList))
	copy(list, r.skillsList)
	r.mu.RUnlock()

	var out []types.HandlerDescriptor
	for _, s := range list {
		if s.Disabled || !s.terms.Overlaps(keywords) {
			continue
		}
		out = append(out, s.Descriptor(r.Effectiveness(s.ID)))
	}
	return out
}

// Len returns the number of loaded skills.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skillsList)
}

// Effectiveness returns the rolling metrics of handler id. Unknown handlers
// report zero uses.
func (r *Registry) Effectiveness(id string) types.Effectiveness {
	r.effMu.RLock()
	defer r.effMu.RUnlock()
	return r.effectiveness[id]
}

// SetEffectiveness overwrites the metrics of handler id.
func (r *Registry) SetEffectiveness(id string, eff types.Effectiveness) error {
	return r.UpdateEffectiveness(id, func(types.Effectiveness) types.Effectiveness { return eff })
}

// UpdateEffectiveness applies fn to the metrics of handler id and persists
// the result when a file is configured.
func (r *Registry) UpdateEffectiveness(id string, fn func(types.Effectiveness) types.Effectiveness) error {
	r.effMu.Lock()
	r.effectiveness[id] = fn(r.effectiveness[id])
	var snapshot map[string]types.Effectiveness
	if r.effPath != "" {
		snapshot = make(map[string]types.Effectiveness, len(r.effectiveness))
		for k, v := range r.effectiveness {
			snapshot[k] = v
		}
	}
	r.effMu.Unlock()

	if snapshot == nil {
		return nil
	}
	if err := util.SecureWriteJSON(r.sb, r.effPath, snapshot); err != nil {
		return fmt.Errorf("failed to persist handler effectiveness: %w", err)
	}
	return nil
}

func (r *Registry) loadEffectiveness() error {
	data, err := os.ReadFile(r.effPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	loaded := map[string]types.Effectiveness{}
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	r.effMu.Lock()
	r.effectiveness = loaded
	r.effMu.Unlock()
	return nil
}

// Watch reloads the registry when a file under the loaded directory changes,
// until ctx ends or Close is called. Bursts of changes are debounced.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("registry has no directory to watch; call LoadAll first")
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	r.watcher = watcher
	r.watcherDone = make(chan struct{})

	go func() {
		defer close(r.watcherDone)
		var timer *time.Timer
		var fire <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if err := r.LoadAll(dir); err != nil {
					log.Errorf("Failed to reload skills: %v", err)
					continue
				}
				r.events.PublishAsync(hooks.NewEvent(hooks.EventRegistryReloaded, "", map[string]interface{}{
					"dir":      dir,
					"handlers": r.Len(),
				}))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Skills watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher started by Watch.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	<-r.watcherDone
	r.watcher = nil
	return err
}
