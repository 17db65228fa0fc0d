// Package settings provides a file-backed key/value store with live reload
// and debounced saving.
//
// Local changes mark the store dirty and are written after the store has
// been quiet for FlushDelay. A poller reloads the file when its
// modification time changes and notifies subscribers only when the
// content actually differs.
//
//	Set ──► dirty ──(FlushDelay idle)──► write file
//	file mtime changed ──► reload ──(values differ)──► OnChange callbacks
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"
)

const (
	// DefaultFlushDelay is how long the store waits after the last Set
	// before writing the file.
	DefaultFlushDelay = 500 * time.Millisecond

	// DefaultPollInterval is how often the file's modification time is
	// checked.
	DefaultPollInterval = time.Second
)

// Config configures a Store.
type Config struct {
	// FlushDelay defaults to DefaultFlushDelay if 0.
	FlushDelay time.Duration

	// PollInterval defaults to DefaultPollInterval if 0.
	PollInterval time.Duration

	// Format overrides the format picked from the file extension.
	Format Format

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.FlushDelay == 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Store is a file-backed settings store. All methods are safe for
// concurrent use; change callbacks run without internal locks held.
type Store struct {
	path       string
	format     Format
	flushDelay time.Duration
	log        logging.LeveledLogger
	stopCh     chan struct{}
	wg         sync.WaitGroup

	values     map[string]any
	raw        []byte
	modTime    time.Time
	dirty      bool
	flushTimer *time.Timer
	onChange   []func()
	closed     bool

	mu sync.Mutex
}

// Open loads the settings file at path, creating an empty one if it does
// not exist, and starts watching it for changes.
func Open(path string, config Config) (*Store, error) {
	config.applyDefaults()

	format := config.Format
	if format == nil {
		var err error
		if format, err = FormatFor(path); err != nil {
			return nil, err
		}
	}

	s := &Store{
		path:       path,
		format:     format,
		flushDelay: config.FlushDelay,
		values:     map[string]any{},
		stopCh:     make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("settings")
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if data, err = format.Marshal(s.values); err != nil {
			return nil, err
		}
		if err := writeFile(path, data); err != nil {
			return nil, fmt.Errorf("settings: create %s: %w", path, err)
		}
		if s.log != nil {
			s.log.Infof("created settings file %s", path)
		}
	case err != nil:
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	default:
		if s.values, err = format.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("settings: load %s: %w", path, err)
		}
	}
	s.raw = data

	if info, err := os.Stat(path); err == nil {
		s.modTime = info.ModTime()
	}

	s.wg.Add(1)
	go s.poll(config.PollInterval)

	return s, nil
}

// Path returns the settings file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// String returns the string under key, or def if missing or not a string.
func (s *Store) String(key, def string) string {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	str, ok := v.(string)
	if !ok {
		return def
	}
	return str
}

// Int returns the integer under key, or def if missing or not a number.
func (s *Store) Int(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Bool returns the boolean under key, or def if missing or not a boolean.
func (s *Store) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Set stores value under key and schedules a write. Setting an equal
// value is a no-op. Change callbacks fire for a real change.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if old, ok := s.values[key]; ok && reflect.DeepEqual(old, value) {
		s.mu.Unlock()
		return nil
	}

	s.values[key] = value
	s.dirty = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.flushDelay, s.flushIdle)
	cbs := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
	return nil
}

// OnChange registers a callback fired after a Set or a reload that
// changed the content.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Flush writes pending changes now.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close stops watching the file and writes pending changes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.flushLocked()
	s.onChange = nil
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return err
}

func (s *Store) flushIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if err := s.flushLocked(); err != nil && s.log != nil {
		s.log.Warnf("write %s: %v", s.path, err)
	}
}

func (s *Store) flushLocked() error {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	if !s.dirty {
		return nil
	}

	data, err := s.format.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := writeFile(s.path, data); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.path, err)
	}
	s.raw = data
	s.dirty = false
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}

	if s.log != nil {
		s.log.Debugf("wrote %s", s.path)
	}
	return nil
}

func (s *Store) poll(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reload()
		}
	}
}

// reload rereads the file if its modification time moved. Unsaved local
// changes take precedence and postpone the reload until after the flush.
func (s *Store) reload() {
	info, err := os.Stat(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Debugf("stat %s: %v", s.path, err)
		}
		return
	}

	s.mu.Lock()
	if s.closed || s.dirty || info.ModTime().Equal(s.modTime) {
		s.mu.Unlock()
		return
	}
	s.modTime = info.ModTime()

	data, err := os.ReadFile(s.path)
	if err != nil || string(data) == string(s.raw) {
		s.mu.Unlock()
		return
	}

	values, err := s.format.Unmarshal(data)
	if err != nil {
		s.mu.Unlock()
		if s.log != nil {
			s.log.Warnf("reload %s: %v", s.path, err)
		}
		return
	}

	s.raw = data
	changed := !reflect.DeepEqual(values, s.values)
	s.values = values
	cbs := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	if !changed {
		return
	}
	if s.log != nil {
		s.log.Infof("reloaded %s", s.path)
	}
	for _, cb := range cbs {
		cb()
	}
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
