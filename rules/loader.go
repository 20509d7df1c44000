package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/penserai/acteon/domain"
)

// ruleFile is the YAML document shape of one rule file: a list of rules
// under `rules:`. A document without that key yields no rules.
type ruleFile struct {
	Rules []domain.Rule `yaml:"rules"`
}

// LoadDir parses every `*.yaml`/`*.yml` file in dir into a rule set,
// tagging each rule's Source as file-provenance and its Version as the
// file's position in name-sorted order. A malformed file is reported by name
// without affecting the rules successfully parsed from other files
// (spec.md §6: "reload errors are returned per-file without
// invalidating the existing snapshot").
func LoadDir(dir string) ([]domain.Rule, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read rule directory %s: %w", dir, err)}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []domain.Rule
	var errs []error
	for i, name := range names {
		path := filepath.Join(dir, name)
		parsed, err := loadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		for _, r := range parsed {
			r.Source = domain.RuleSourceFile
			r.Version = i
			rules = append(rules, r)
		}
	}
	return rules, errs
}

func loadFile(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	for _, r := range doc.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule missing name")
		}
	}
	return doc.Rules, nil
}

// ReloadFunc is invoked with a freshly loaded rule set whenever the
// watched directory changes. Returning an error leaves the engine's
// active plan untouched.
type ReloadFunc func(rules []domain.Rule) error

// Watcher hot-reloads a rule directory on filesystem change, rebuilding
// and swapping the engine's plan without ever leaving it in a
// partially-applied state.
type Watcher struct {
	dir      string
	reload   ReloadFunc
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	lastErrs []error
	done     chan struct{}
}

// NewWatcher creates a Watcher for dir. Call Start to begin watching;
// the initial load must be performed by the caller via LoadDir before
// Start, so the engine has a plan before the watch loop begins.
func NewWatcher(dir string, reload ReloadFunc) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules: watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, reload: reload, watcher: w, done: make(chan struct{})}, nil
}

// Start runs the watch loop in a goroutine until Close is called.
func (w *Watcher) Start() {
	go w.loop()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.reloadNow()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reloadNow() {
	rules, errs := LoadDir(w.dir)
	w.mu.Lock()
	w.lastErrs = errs
	w.mu.Unlock()
	if len(rules) == 0 && len(errs) > 0 {
		// Every file in the directory failed to parse: keep the
		// existing snapshot rather than swap in an empty plan.
		return
	}
	_ = w.reload(rules)
}

// LastErrors returns the per-file errors from the most recent reload
// attempt.
func (w *Watcher) LastErrors() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErrs
}

// Close stops the watch loop and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
