package storagestate

import (
	"sync"

	"github.com/edgefleet/cm/pkg/cmerr"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FSNotifyWatcher is the default FSWatcher, backed by fsnotify. Events
// for a path are coalesced: a burst of filesystem activity on one file
// still drives at most one pending notification per path, delivered by
// a single worker goroutine.
type FSNotifyWatcher struct {
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	subs map[string][]FSSubscriber

	queueMu sync.Mutex
	queued  map[string]bool
	queue   []string
	signal  chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFSNotifyWatcher creates and starts an FSNotifyWatcher.
func NewFSNotifyWatcher(log zerolog.Logger) (*FSNotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, cmerr.Wrap(cmerr.Failed, err, "create filesystem watcher")
	}

	fw := &FSNotifyWatcher{
		log:     log,
		watcher: w,
		subs:    make(map[string][]FSSubscriber),
		queued:  make(map[string]bool),
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}

	fw.wg.Add(2)
	go fw.pump()
	go fw.worker()
	return fw, nil
}

// Close stops the watcher and its worker.
func (w *FSNotifyWatcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// Subscribe starts watching path and registers subscriber for its
// change events.
func (w *FSNotifyWatcher) Subscribe(path string, subscriber FSSubscriber) error {
	w.mu.Lock()
	_, watched := w.subs[path]
	w.subs[path] = append(w.subs[path], subscriber)
	w.mu.Unlock()

	if !watched {
		if err := w.watcher.Add(path); err != nil {
			return cmerr.Wrapf(cmerr.Failed, err, "watch %s", path)
		}
	}
	return nil
}

// Unsubscribe removes subscriber from path, stopping the underlying
// watch once no subscriber remains.
func (w *FSNotifyWatcher) Unsubscribe(path string, subscriber FSSubscriber) error {
	w.mu.Lock()
	subs := w.subs[path]
	for i, s := range subs {
		if s == subscriber {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(w.subs, path)
	} else {
		w.subs[path] = subs
	}
	remaining := len(subs)
	w.mu.Unlock()

	if remaining == 0 {
		return w.watcher.Remove(path)
	}
	return nil
}

func (w *FSNotifyWatcher) pump() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.enqueue(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("filesystem watch error")
		}
	}
}

func (w *FSNotifyWatcher) enqueue(path string) {
	w.queueMu.Lock()
	if !w.queued[path] {
		w.queued[path] = true
		w.queue = append(w.queue, path)
	}
	w.queueMu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *FSNotifyWatcher) worker() {
	defer w.wg.Done()
	for {
		w.drain()

		select {
		case <-w.stopCh:
			return
		case <-w.signal:
		}
	}
}

func (w *FSNotifyWatcher) drain() {
	for {
		w.queueMu.Lock()
		if len(w.queue) == 0 {
			w.queueMu.Unlock()
			return
		}
		path := w.queue[0]
		w.queue = w.queue[1:]
		delete(w.queued, path)
		w.queueMu.Unlock()

		w.mu.Lock()
		subs := append([]FSSubscriber(nil), w.subs[path]...)
		w.mu.Unlock()

		for _, s := range subs {
			s.OnFSEvent(path, []string{"write"})
		}
	}
}
