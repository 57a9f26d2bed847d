package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const defaultTailSize = 1000

// FileLogger appends events as JSON lines. It keeps the newest events in a
// tail and every TESTAMENT_RELEASED event in a separate index, both primed
// from the existing log when the logger opens. Releases never age out of
// the index.
type FileLogger struct {
	namespace string
	opts      FileOptions

	mu       sync.RWMutex
	file     *os.File
	tail     []Event
	releases []Event
	// written counts every readable event in the log, old files included
	written int
}

type FileOptions struct {
	FilePath string `json:"file_path"`
	TailSize int    `json:"tail_size,omitempty"`
}

// NewFileLogger opens, or creates, the log at options.file_path.
func NewFileLogger(config *Config) (*FileLogger, error) {
	var opts FileOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}
	if opts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}
	if opts.TailSize <= 0 {
		opts.TailSize = defaultTailSize
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	fl := &FileLogger{namespace: config.Namespace, opts: opts}
	if err := fl.prime(); err != nil {
		return nil, err
	}
	if err := fl.ensureFileOpen(); err != nil {
		return nil, err
	}
	return fl, nil
}

// prime loads the tail and the release index from files already on disk,
// oldest file first.
func (fl *FileLogger) prime() error {
	files := fl.logFiles()
	for i := len(files) - 1; i >= 0; i-- {
		err := scanEvents(files[i], func(event Event) {
			fl.remember(event)
		})
		if err != nil {
			return fmt.Errorf("failed to read audit log %s: %w", files[i], err)
		}
	}
	return nil
}

func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	return fl.writeEvent(newEvent(fl.namespace, action, success, metadata))
}

func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// a previous Close leaves the file nil
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	if _, err = fl.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	// a release must be on disk before the caller reports it
	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.remember(event)
	return nil
}

func (fl *FileLogger) remember(event Event) {
	fl.written++
	fl.tail = append(fl.tail, event)
	if len(fl.tail) > fl.opts.TailSize {
		fl.tail = slices.Clone(fl.tail[len(fl.tail)-fl.opts.TailSize:])
	}
	if event.Action == ReleaseAction {
		fl.releases = append(fl.releases, event)
	}
}

// Query returns matching events, newest first.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	switch {
	case options.ReleasesOnly:
		return fl.filter(fl.releases, options), nil
	case fl.tailCovers(options):
		return fl.filter(fl.tail, options), nil
	}

	var matched []Event
	for _, path := range fl.logFiles() {
		err := scanEvents(path, func(event Event) {
			if matchesFilter(event, options) {
				matched = append(matched, event)
			}
		})
		if err != nil {
			return QueryResult{}, fmt.Errorf("failed to read events from %s: %w", path, err)
		}
	}
	sortNewestFirst(matched)
	return page(matched, options, fl.written), nil
}

// tailCovers reports whether every event the query could match is still in
// the tail.
func (fl *FileLogger) tailCovers(options QueryOptions) bool {
	if len(fl.tail) == fl.written {
		return true
	}
	return options.Since != nil && len(fl.tail) > 0 && !options.Since.Before(fl.tail[0].Timestamp)
}

func (fl *FileLogger) filter(events []Event, options QueryOptions) QueryResult {
	var matched []Event
	for _, event := range events {
		if matchesFilter(event, options) {
			matched = append(matched, event)
		}
	}
	sortNewestFirst(matched)
	return page(matched, options, fl.written)
}

// logFiles returns the current log followed by rotated siblings
// (audit.log.1, audit.log.2, ...), newest first.
func (fl *FileLogger) logFiles() []string {
	current := fl.opts.FilePath
	files := []string{current}

	matches, err := filepath.Glob(current + ".*")
	if err != nil {
		return files
	}
	slices.SortFunc(matches, func(a, b string) int {
		if len(a) != len(b) {
			return len(a) - len(b)
		}
		return strings.Compare(a, b)
	})
	return append(files, matches...)
}

// scanEvents calls fn for every well formed event in the file. A missing
// file holds no events; malformed lines are skipped.
func scanEvents(path string, fn func(Event)) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if json.Unmarshal([]byte(line), &event) != nil {
			continue
		}
		fn(event)
	}
	return scanner.Err()
}

func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file != nil {
		return nil
	}
	file, err := os.OpenFile(fl.opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	fl.file = file
	return nil
}

func sortNewestFirst(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}
