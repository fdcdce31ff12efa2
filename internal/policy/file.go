package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDelay collapses the burst of events editors produce for one save.
const reloadDelay = 100 * time.Millisecond

// LoadFile reads and validates a policy document. Unknown keys are rejected
// so a typo does not silently fall back to defaults.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReloadFile loads path and replaces the sink's policies with it.
func ReloadFile(path string, sink Sink) (*Document, error) {
	doc, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := sink.Replace(doc.Configs()); err != nil {
		return nil, err
	}
	return doc, nil
}

// WatchFile reloads path into sink whenever it changes, until ctx is done.
// The parent directory is watched so that editors which replace the file by
// rename are followed. A document that fails to load is logged and the
// previous policies stay in force.
func WatchFile(ctx context.Context, path string, sink Sink, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("Policy file watcher started", "path", target)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		doc, err := ReloadFile(target, sink)
		if err != nil {
			logger.Error("Policy reload failed", "path", target, "error", err)
			return
		}
		logger.Info("Policies reloaded", "path", target, "count", len(doc.Policies))
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Policy file watcher stopped", "path", target)
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			logger.Debug("Policy file event", "path", event.Name, "op", event.Op.String())

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			logger.Error("Policy file watcher error", "error", err)
		}
	}
}
