package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/corsfix/proxy/internal/logging"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ProductsWatcher watches the products file and reloads the plan table on change
type ProductsWatcher struct {
	watcher   *fsnotify.Watcher
	loader    *Loader
	path      string
	callbacks []func([]ProductConfig)
	mu        sync.RWMutex
	debounce  time.Duration
	timer     *time.Timer
	products  []ProductConfig
	started   bool
	done      chan struct{}
}

// NewProductsWatcher creates a watcher and loads the file once
func NewProductsWatcher(path string) (*ProductsWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &ProductsWatcher{
		watcher:  fsWatcher,
		loader:   NewLoader(),
		path:     path,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}

	products, err := w.loader.LoadProducts(path)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.products = products

	return w, nil
}

// OnChange registers a callback for product table changes
func (w *ProductsWatcher) OnChange(callback func([]ProductConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for changes
func (w *ProductsWatcher) Start() error {
	// Watch the directory so editors that replace the file are seen
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.started = true
	go w.watch()
	return nil
}

func (w *ProductsWatcher) watch() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("products watcher error", zap.Error(err))
		}
	}
}

// reload loads the products and notifies callbacks. A bad file keeps the
// previous table.
func (w *ProductsWatcher) reload() {
	products, err := w.loader.LoadProducts(w.path)
	if err != nil {
		logging.Error("failed to reload products", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.products = products
	callbacks := make([]func([]ProductConfig), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("products reloaded", zap.String("path", w.path), zap.Int("count", len(products)))

	for _, cb := range callbacks {
		cb(products)
	}
}

// Products returns the current product table
func (w *ProductsWatcher) Products() []ProductConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.products
}

// Stop stops watching for changes
func (w *ProductsWatcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

// SetDebounce sets the debounce duration for file changes
func (w *ProductsWatcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
