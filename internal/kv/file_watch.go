package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"walletsync/internal/lifecycle"
)

// Watch reports keys created, written, removed or renamed in the store
// directory by any process. Temp files from Put are skipped. fn must not
// release the returned subscription from inside the callback.
func (f *FileStore) Watch(ctx context.Context, fn func(key string)) (lifecycle.Subscription, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", f.dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				key := filepath.Base(event.Name)
				if ValidateKey(key) != nil {
					continue
				}
				// A release racing this event wins.
				if ctx.Err() != nil {
					return
				}
				fn(key)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return lifecycle.NewSubscription(func() {
		cancel()
		watcher.Close()
		wg.Wait()
	}), nil
}
