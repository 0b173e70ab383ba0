// Package irqsource adapts host notifications into interrupt bindings for
// a generation ID monitor.
package irqsource

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File raises the interrupt whenever the file at Path is written, created
// or replaced. It suits a generation ID kept in a regular file that is
// mapped with physmem.Device.
type File struct {
	Path   string
	Logger *slog.Logger
}

// Bind watches the file's directory so atomic replacements are seen.
// Only one handler is served; irq is used for logging.
func (f File) Bind(irq uint32, handler func()) (io.Closer, error) {
	if handler == nil {
		return nil, fmt.Errorf("irqsource: nil handler")
	}
	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	path, err := filepath.Abs(f.Path)
	if err != nil {
		return nil, fmt.Errorf("irqsource: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("irqsource: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("irqsource: watch %s: %w", filepath.Dir(path), err)
	}

	b := &fileBinding{watcher: watcher, done: make(chan struct{})}
	go b.run(path, irq, handler, log)
	return b, nil
}

type fileBinding struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
	err     error
}

// A rename onto the path arrives as Create.
const fileTrigger = fsnotify.Write | fsnotify.Create

func (b *fileBinding) run(path string, irq uint32, handler func(), log *slog.Logger) {
	defer close(b.done)
	for {
		select {
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path || event.Op&fileTrigger == 0 {
				continue
			}
			log.Debug("irqsource file event", "path", path, "op", event.Op.String(), "irq", irq)
			handler()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("irqsource file watch error", "path", path, "error", err)
		}
	}
}

// Close stops the watch. No handler call starts after it returns.
func (b *fileBinding) Close() error {
	b.once.Do(func() {
		b.err = b.watcher.Close()
		<-b.done
	})
	return b.err
}
