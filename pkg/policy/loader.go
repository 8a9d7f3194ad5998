package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits for a burst of file changes to
// settle before reloading.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads custom admission policies from .rego and .json files.
//
// A .rego file becomes a policy named after the file. Its leading comment
// block is the description, except for "key: value" lines that set policy
// fields:
//
//	# Refuse destroys while a demo is running.
//	# severity: warning
//	# tags: demo, lifecycle
//	package cloudbench.custom.demo
//
// A .json file holds a complete Policy document.
type Loader struct {
	logger zerolog.Logger
	delay  time.Duration

	mu    sync.Mutex
	files map[string]loadedFile

	watcher *fsnotify.Watcher
}

// loadedFile is a parsed policy with the file stamp it was parsed from.
type loadedFile struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithReloadDelay sets the debounce delay of Watch.
func WithReloadDelay(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.delay = d
		}
	}
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		delay:  DefaultReloadDelay,
		files:  make(map[string]loadedFile),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return !strings.HasPrefix(filepath.Base(path), ".")
	}
	return false
}

// Load reads every policy under paths, sorted by name. A file named
// directly must parse; broken files found while walking a directory are
// logged and skipped. Two files defining the same policy name are an error.
func (l *Loader) Load(ctx context.Context, paths []string) ([]Policy, error) {
	byName := make(map[string]string)
	var policies []Policy

	add := func(path string, p Policy) error {
		if prev, dup := byName[p.Name]; dup {
			return fmt.Errorf("policy %s is defined by both %s and %s", p.Name, prev, path)
		}
		byName[p.Name] = path
		policies = append(policies, p)
		return nil
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}

		if !info.IsDir() {
			p, err := l.file(root, info)
			if err != nil {
				return nil, err
			}
			if err := add(root, p); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !isPolicyFile(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			p, err := l.file(path, info)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
				return nil
			}
			return add(path, p)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
	}

	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	l.logger.Debug().
		Int("policies", len(policies)).
		Strs("paths", paths).
		Msg("Policies read")

	return policies, nil
}

// file returns the policy in path, parsing it only when the file changed
// since the last read.
func (l *Loader) file(path string, info fs.FileInfo) (Policy, error) {
	l.mu.Lock()
	cached, ok := l.files[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = parseRego(path, data)
	case ".json":
		if p, err = parseJSON(data); err != nil {
			return Policy{}, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return Policy{}, fmt.Errorf("unsupported policy file: %s", path)
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = path

	l.mu.Lock()
	l.files[path] = loadedFile{modTime: info.ModTime(), size: info.Size(), policy: p}
	l.mu.Unlock()

	return p, nil
}

func parseRego(path string, data []byte) Policy {
	now := time.Now()
	p := Policy{
		Name:      strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:      string(data),
		Severity:  SeverityError,
		Enabled:   true,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	var description []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, ok := strings.Cut(comment, ":")
		if !ok {
			if comment != "" {
				description = append(description, comment)
			}
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "severity":
			p.Severity = Severity(strings.ToLower(strings.TrimSpace(value)))
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case "enabled":
			p.Enabled = strings.TrimSpace(value) != "false"
		default:
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return p
}

func parseJSON(data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("invalid JSON policy: %w", err)
	}
	if p.Name == "" {
		return Policy{}, fmt.Errorf("JSON policy has no name")
	}
	if p.Rego == "" {
		return Policy{}, fmt.Errorf("JSON policy %s has no rego module", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	return p, nil
}

// Watch reloads the policies under paths whenever a policy file changes and
// hands them to apply. It returns once the watcher is set up; watching stops
// when ctx is done or StopWatching is called. A failed reload keeps the
// policies that apply accepted last.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		if err := l.addTree(watcher, root); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.watch(ctx, watcher, paths, apply)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy files")
	return nil
}

// addTree watches root and, when it is a directory, every directory below.
func (l *Loader) addTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (l *Loader) watch(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(l.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := l.addTree(watcher, ev.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				l.mu.Lock()
				delete(l.files, ev.Name)
				l.mu.Unlock()
			}
			timer.Reset(l.delay)

		case <-timer.C:
			policies, err := l.Load(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping current policies")
				continue
			}
			l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching stops a running Watch.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
