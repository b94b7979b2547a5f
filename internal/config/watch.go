package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads path whenever it changes on disk and passes the decoded
// config to onChange. Files that fail to decode or validate are reported
// to onError and otherwise ignored. Callbacks stop once ctx is done.
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	var mu sync.Mutex
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
