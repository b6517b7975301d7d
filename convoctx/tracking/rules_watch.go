package tracking

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// RulesWatcher hot-reloads an external rule table when its file changes.
// A file that fails validation is rejected and the previous rules stay
// active.
type RulesWatcher struct {
	path     string
	provider *RuleProvider
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	done     chan struct{}
}

// NewRulesWatcher starts watching the rule table file.
func NewRulesWatcher(path string, provider *RuleProvider, logger zerolog.Logger) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rules watcher: %w", err)
	}
	// Watch the directory: editors replace the file on save, which drops a
	// watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}

	w := &RulesWatcher{
		path:     path,
		provider: provider,
		watcher:  watcher,
		logger:   logger.With().Str("component", "rules-watcher").Logger(),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *RulesWatcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *RulesWatcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("rules watcher error")
		}
	}
}

func (w *RulesWatcher) reload() {
	rules, err := LoadRules(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("rule table reload rejected")
		return
	}
	w.provider.Swap(rules)
	w.logger.Info().Str("version", rules.Version()).Msg("rule table reloaded")
}
