package definition

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/openapi"
)

// ReloadObserver receives reload outcomes. *observability.Metrics satisfies it.
type ReloadObserver interface {
	RecordDefinitionReload(status string)
	SetDefinitionsLoaded(count float64)
}

type nopReloadObserver struct{}

func (nopReloadObserver) RecordDefinitionReload(string) {}
func (nopReloadObserver) SetDefinitionsLoaded(float64)  {}

// Reloader loads, validates and installs definitions into a Registry. A reload
// that fails to load or validate leaves the registry untouched.
type Reloader struct {
	registry    *Registry
	index       *openapi.Index
	directories []string
	loader      *Loader
	validator   *Validator
	logger      *zap.Logger
	observer    ReloadObserver
	debounce    time.Duration
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithReloadLogger sets the logger.
func WithReloadLogger(l *zap.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = l }
}

// WithReloadObserver sets the reload observer.
func WithReloadObserver(o ReloadObserver) ReloaderOption {
	return func(r *Reloader) { r.observer = o }
}

// WithDebounce sets how long Watch waits for file events to settle.
func WithDebounce(d time.Duration) ReloaderOption {
	return func(r *Reloader) { r.debounce = d }
}

// NewReloader creates a Reloader for the given directories.
func NewReloader(registry *Registry, index *openapi.Index, directories []string, opts ...ReloaderOption) *Reloader {
	r := &Reloader{
		registry:    registry,
		index:       index,
		directories: directories,
		loader:      NewLoader(),
		validator:   NewValidator(),
		logger:      zap.NewNop(),
		observer:    nopReloadObserver{},
		debounce:    250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload loads every definition file and swaps the registry when all of them
// are valid. Validation errors are logged one by one.
func (r *Reloader) Reload() error {
	files, err := r.loader.LoadAll(r.directories)
	if err != nil {
		r.observer.RecordDefinitionReload("error")
		return fmt.Errorf("definition loading failed: %w", err)
	}
	if verrs := r.validator.Validate(files, r.index); len(verrs) > 0 {
		for _, ve := range verrs {
			r.logger.Error("definition validation error",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("message", ve.Message),
			)
		}
		r.observer.RecordDefinitionReload("error")
		return fmt.Errorf("definition validation failed: %d errors", len(verrs))
	}

	previous := r.registry.Checksum()
	r.registry.Replace(files)
	r.observer.RecordDefinitionReload("success")
	r.observer.SetDefinitionsLoaded(float64(len(r.registry.WizardIDs())))
	if previous != r.registry.Checksum() {
		r.logger.Info("wizard definitions loaded",
			zap.Int("files", len(files)),
			zap.Strings("wizards", r.registry.WizardIDs()),
			zap.String("checksum", r.registry.Checksum()),
		)
	}
	return nil
}

// Watch reloads whenever a YAML file under the definition directories
// changes. Bursts of events are coalesced. It blocks until ctx is done.
func (r *Reloader) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	for _, dir := range r.directories {
		if err := addTree(fsw, dir); err != nil {
			return err
		}
	}

	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// New subdirectories are watched as they appear.
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := addTree(fsw, ev.Name); err != nil {
						r.logger.Warn("watching new definition directory failed", zap.String("dir", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			if !isDefinitionFile(ev.Name) || (ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write)) {
				continue
			}
			pending = true
			timer.Reset(r.debounce)

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			if err := r.Reload(); err != nil {
				r.logger.Warn("definition reload rejected, keeping current definitions", zap.Error(err))
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("definition watcher error", zap.Error(err))
		}
	}
}

// addTree watches dir and every directory below it.
func addTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch directory %s: %w", path, err)
		}
		return nil
	})
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
