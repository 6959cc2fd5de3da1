package driftwatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type FileEventType string

const (
	FileEventInitial FileEventType = "initial"
	FileEventChange  FileEventType = "change"
)

// FileNotification reports that a watched ledger file is readable and its
// contents have stopped moving for a full stability window.
type FileNotification struct {
	ExecutionID string
	FilePath    string
	EventType   FileEventType
	Timestamp   time.Time
}

type WatchError struct {
	ExecutionID string
	Err         error
}

type ObserverOptions struct {
	// StabilityWindow is how long a file's size and mtime must stay unchanged
	// before a notification fires. Default 500ms.
	StabilityWindow time.Duration

	// PollInterval controls how often pending files are re-stated while
	// settling. Default StabilityWindow/5, floor 50ms.
	PollInterval time.Duration

	// LedgerNames are the file basenames observed inside each execution root.
	LedgerNames []string

	NotificationBuffer int
	Logger             Logger
}

// Observer runs one fsnotify watch session per execution and emits exactly one
// notification per settled write to a ledger file. Sessions are independent; a
// filesystem failure in one surfaces on the error stream without affecting the
// rest.
type Observer struct {
	stabilityWindow time.Duration
	pollInterval    time.Duration
	ledgerNames     []string
	logger          Logger

	notifications chan FileNotification
	errs          chan WatchError

	mu       sync.Mutex
	sessions map[string]*watchSession
}

type watchSession struct {
	executionID string
	rootPath    string
	watcher     *fsnotify.Watcher
	done        chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once
}

type pendingFile struct {
	size        int64
	modTime     time.Time
	stableSince time.Time
}

func NewObserver(opts ObserverOptions) *Observer {
	stabilityWindow := opts.StabilityWindow
	if stabilityWindow <= 0 {
		stabilityWindow = 500 * time.Millisecond
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = stabilityWindow / 5
	}
	if pollInterval < 50*time.Millisecond {
		pollInterval = 50 * time.Millisecond
	}
	ledgerNames := opts.LedgerNames
	if len(ledgerNames) == 0 {
		ledgerNames = []string{"issues.jsonl", "specs.jsonl"}
	}
	notificationBuffer := opts.NotificationBuffer
	if notificationBuffer <= 0 {
		notificationBuffer = 256
	}
	return &Observer{
		stabilityWindow: stabilityWindow,
		pollInterval:    pollInterval,
		ledgerNames:     append([]string(nil), ledgerNames...),
		logger:          opts.Logger,
		notifications:   make(chan FileNotification, notificationBuffer),
		errs:            make(chan WatchError, 64),
		sessions:        map[string]*watchSession{},
	}
}

func (o *Observer) Notifications() <-chan FileNotification {
	return o.notifications
}

func (o *Observer) Errors() <-chan WatchError {
	return o.errs
}

// Watch begins observing the ledger files under rootPath for one execution.
// A second Watch for the same execution is a caller bug and fails loudly.
func (o *Observer) Watch(executionID, rootPath string) error {
	if executionID == "" || rootPath == "" {
		return ErrInvalidInput
	}
	o.mu.Lock()
	if _, exists := o.sessions[executionID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyWatching, executionID)
	}
	// Reserve the slot before the watcher is built so a concurrent Watch for
	// the same execution fails instead of racing.
	o.sessions[executionID] = nil
	o.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		o.release(executionID)
		return err
	}
	if err := watcher.Add(rootPath); err != nil {
		_ = watcher.Close()
		o.release(executionID)
		return fmt.Errorf("watch %s: %w", rootPath, err)
	}

	session := &watchSession{
		executionID: executionID,
		rootPath:    rootPath,
		watcher:     watcher,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	o.mu.Lock()
	o.sessions[executionID] = session
	o.mu.Unlock()

	go o.runSession(session)
	return nil
}

// Unwatch stops observation for one execution. Unknown executions are a no-op.
func (o *Observer) Unwatch(executionID string) {
	o.mu.Lock()
	session := o.sessions[executionID]
	delete(o.sessions, executionID)
	o.mu.Unlock()
	if session == nil {
		return
	}
	session.stop()
	<-session.stopped
}

// UnwatchAll stops every active observation, used at process shutdown.
func (o *Observer) UnwatchAll() {
	o.mu.Lock()
	sessions := make([]*watchSession, 0, len(o.sessions))
	for _, session := range o.sessions {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	o.sessions = map[string]*watchSession{}
	o.mu.Unlock()
	for _, session := range sessions {
		session.stop()
		<-session.stopped
	}
}

func (o *Observer) release(executionID string) {
	o.mu.Lock()
	delete(o.sessions, executionID)
	o.mu.Unlock()
}

func (s *watchSession) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		_ = s.watcher.Close()
	})
}

func (o *Observer) runSession(session *watchSession) {
	defer close(session.stopped)

	tracked := map[string]struct{}{}
	for _, name := range o.ledgerNames {
		tracked[filepath.Join(session.rootPath, name)] = struct{}{}
	}

	seen := map[string]bool{}
	pending := map[string]*pendingFile{}

	// Files that already exist when the watch starts settle into an "initial"
	// notification through the same stability path as later writes.
	for path := range tracked {
		if info, err := os.Stat(path); err == nil {
			pending[path] = &pendingFile{
				size:        info.Size(),
				modTime:     info.ModTime(),
				stableSince: time.Now(),
			}
		}
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.done:
			return
		case event, ok := <-session.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)
			if _, isTracked := tracked[path]; !isTracked {
				continue
			}
			if event.Has(fsnotify.Remove) {
				delete(pending, path)
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				delete(pending, path)
				continue
			}
			pending[path] = &pendingFile{
				size:        info.Size(),
				modTime:     info.ModTime(),
				stableSince: time.Now(),
			}
		case err, ok := <-session.watcher.Errors:
			if !ok {
				return
			}
			o.reportError(session.executionID, err)
		case <-ticker.C:
			now := time.Now()
			for path, state := range pending {
				info, err := os.Stat(path)
				if err != nil {
					delete(pending, path)
					continue
				}
				if info.Size() != state.size || !info.ModTime().Equal(state.modTime) {
					state.size = info.Size()
					state.modTime = info.ModTime()
					state.stableSince = now
					continue
				}
				if now.Sub(state.stableSince) < o.stabilityWindow {
					continue
				}
				delete(pending, path)
				eventType := FileEventChange
				if !seen[path] {
					eventType = FileEventInitial
					seen[path] = true
				}
				o.emit(FileNotification{
					ExecutionID: session.executionID,
					FilePath:    path,
					EventType:   eventType,
					Timestamp:   now.UTC(),
				})
			}
		}
	}
}

func (o *Observer) emit(notification FileNotification) {
	select {
	case o.notifications <- notification:
	default:
		logf(o.logger, "dropping file notification for execution %s: consumer backlog", notification.ExecutionID)
	}
}

func (o *Observer) reportError(executionID string, err error) {
	select {
	case o.errs <- WatchError{ExecutionID: executionID, Err: err}:
	default:
		logf(o.logger, "dropping watch error for execution %s: %v", executionID, err)
	}
}
