/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"sync"
	"time"

	"github.com/ssgreg/logf"

	"github.com/acronis/go-resilience/log"
)

// RecordedEntry is a logged entry captured by Recorder.
type RecordedEntry struct {
	Fields []log.Field
	Level  log.Level
	Time   time.Time
	Text   string
}

// FindField tries to find field in logging entry by key.
func (re *RecordedEntry) FindField(key string) (log.Field, bool) {
	for _, field := range re.Fields {
		if field.Key == key {
			return field, true
		}
	}
	return log.Field{}, false
}

// FieldString returns the string value of the field with the given key or an empty string.
func (re *RecordedEntry) FieldString(key string) string {
	f, ok := re.FindField(key)
	if !ok {
		return ""
	}
	return string(f.Bytes)
}

type recordingWriter struct {
	mu      sync.RWMutex
	entries []RecordedEntry
}

//nolint:gocritic
func (w *recordingWriter) WriteEntry(e logf.Entry) {
	fields := make([]log.Field, 0, len(e.Fields)+len(e.DerivedFields))
	fields = append(fields, e.DerivedFields...)
	fields = append(fields, e.Fields...)

	w.mu.Lock()
	w.entries = append(w.entries, RecordedEntry{Fields: fields, Level: fromLogfLevel(e.Level), Time: e.Time, Text: e.Text})
	w.mu.Unlock()
}

// Recorder is a log.FieldLogger that keeps every logged entry in memory for inspection in tests.
type Recorder struct {
	*log.LogfAdapter
	w *recordingWriter
}

// NewRecorder returns an initialized Recorder that records entries of all levels.
func NewRecorder() *Recorder {
	w := &recordingWriter{}
	return &Recorder{&log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, w)}, w}
}

// With returns a Recorder with the given additional fields sharing the same storage.
func (r *Recorder) With(fs ...log.Field) log.FieldLogger {
	return &Recorder{r.LogfAdapter.With(fs...).(*log.LogfAdapter), r.w}
}

// WithLevel returns a Recorder with an additional level check sharing the same storage.
func (r *Recorder) WithLevel(level log.Level) log.FieldLogger {
	return &Recorder{r.LogfAdapter.WithLevel(level).(*log.LogfAdapter), r.w}
}

// Entries returns a copy of all recorded entries.
func (r *Recorder) Entries() []RecordedEntry {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	return append([]RecordedEntry(nil), r.w.entries...)
}

// FindEntry returns the first recorded entry with the given message.
func (r *Recorder) FindEntry(msg string) (RecordedEntry, bool) {
	found := r.filter(func(e RecordedEntry) bool { return e.Text == msg }, 1)
	if len(found) == 0 {
		return RecordedEntry{}, false
	}
	return found[0], true
}

// FindAllEntriesByFilter returns all recorded entries matching the filter.
func (r *Recorder) FindAllEntriesByFilter(filter func(entry RecordedEntry) bool) []RecordedEntry {
	return r.filter(filter, -1)
}

// CountAtLevel returns how many entries were recorded at the given level.
func (r *Recorder) CountAtLevel(level log.Level) int {
	return len(r.filter(func(e RecordedEntry) bool { return e.Level == level }, -1))
}

// Reset drops all recorded entries.
func (r *Recorder) Reset() {
	r.w.mu.Lock()
	r.w.entries = nil
	r.w.mu.Unlock()
}

func (r *Recorder) filter(fn func(RecordedEntry) bool, limit int) []RecordedEntry {
	r.w.mu.RLock()
	defer r.w.mu.RUnlock()
	var res []RecordedEntry
	for _, e := range r.w.entries {
		if limit >= 0 && len(res) == limit {
			break
		}
		if fn(e) {
			res = append(res, e)
		}
	}
	return res
}

func fromLogfLevel(value logf.Level) log.Level {
	switch value {
	case logf.LevelError:
		return log.LevelError
	case logf.LevelWarn:
		return log.LevelWarn
	case logf.LevelDebug:
		return log.LevelDebug
	default:
		return log.LevelInfo
	}
}
