package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

// Registration is one updateType's entry in the registration file.
type Registration struct {
	UpdateType string `json:"updateType"`
	LibPath    string `json:"libPath"`
	Contract   string `json:"contract"`
}

// FactorySymbol is the exported symbol name every handler shared
// object must provide: a func() Handler.
const FactorySymbol = "NewHandler"

// Registry resolves an updateType to a loaded Handler, re-reading its
// registration file whenever fsnotify reports it changed.
type Registry struct {
	path string
	load func(Registration) (Handler, error)

	mu       sync.RWMutex
	handlers map[string]Handler

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// Option configures a Registry at Open time.
type Option func(*Registry)

// WithLoader overrides how a Registration is turned into a Handler.
// Production callers never need this; tests use it to substitute a
// fake loader instead of dlopen-ing a real .so.
func WithLoader(load func(Registration) (Handler, error)) Option {
	return func(r *Registry) { r.load = load }
}

// Open loads the registration file at path and starts watching it for
// changes. Callers must call Close to stop the watch goroutine.
func Open(path string, opts ...Option) (*Registry, error) {
	r := &Registry{
		path:     path,
		load:     loadHandler,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("handler: creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("handler: watching %s: %w", filepath.Dir(path), err)
	}
	r.watcher = watcher
	go r.watchLoop()
	return r, nil
}

func (r *Registry) watchLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				klog.Errorf("handler: reloading registration file %s: %v", r.path, err)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			klog.Errorf("handler: watcher error on %s: %v", r.path, err)
		}
	}
}

func (r *Registry) reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("handler: reading registration file: %w", err)
	}
	var regs []Registration
	if err := yaml.Unmarshal(raw, &regs); err != nil {
		return fmt.Errorf("handler: parsing registration file: %w", err)
	}

	loaded := make(map[string]Handler, len(regs))
	for _, reg := range regs {
		h, err := r.load(reg)
		if err != nil {
			klog.Errorf("handler: loading %s (%s): %v", reg.UpdateType, reg.LibPath, err)
			continue
		}
		loaded[reg.UpdateType] = h
	}

	r.mu.Lock()
	r.handlers = loaded
	r.mu.Unlock()
	klog.V(2).Infof("handler: registry reloaded, %d updateType(s) registered", len(loaded))
	return nil
}

// loadHandler dlopens a handler's shared object and invokes its
// factory symbol. This is the one place the core leaves Go's static
// type system: a handler is a separately compiled .so loaded at
// runtime, so a factory symbol with the wrong signature is only
// detected at load time, where it is returned as an error, not at
// compile time -- callers should validate new handler builds out of band.
func loadHandler(reg Registration) (Handler, error) {
	p, err := plugin.Open(reg.LibPath)
	if err != nil {
		return nil, fmt.Errorf("opening plugin: %w", err)
	}
	sym, err := p.Lookup(FactorySymbol)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", FactorySymbol, err)
	}
	factory, ok := sym.(func() Handler)
	if !ok {
		return nil, fmt.Errorf("symbol %s has unexpected type %T", FactorySymbol, sym)
	}
	return factory(), nil
}

// Resolve returns the Handler registered for updateType, or ok=false
// if none is registered.
func (r *Registry) Resolve(updateType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[updateType]
	return h, ok
}

// Close stops the watch goroutine and releases the underlying
// fsnotify watcher.
func (r *Registry) Close() error {
	close(r.stop)
	err := r.watcher.Close()
	<-r.done
	return err
}
