package logging

import "sync"

// Entry is one recorded log call.
type Entry struct {
	Level  Level
	Msg    string
	Fields map[string]any
}

// Recorder is a Logger that keeps entries in memory. Loggers derived with
// With share the parent's entry list.
type Recorder struct {
	shared *recording
	fields []Field
}

type recording struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{shared: &recording{}} }

func (r *Recorder) Debug(msg string, fields ...Field) { r.add(Debug, msg, fields) }
func (r *Recorder) Info(msg string, fields ...Field)  { r.add(Info, msg, fields) }
func (r *Recorder) Warn(msg string, fields ...Field)  { r.add(Warn, msg, fields) }
func (r *Recorder) Error(msg string, fields ...Field) { r.add(Error, msg, fields) }

func (r *Recorder) With(fields ...Field) Logger {
	return &Recorder{shared: r.shared, fields: append(append([]Field(nil), r.fields...), fields...)}
}

func (r *Recorder) add(level Level, msg string, fields []Field) {
	e := Entry{Level: level, Msg: msg, Fields: make(map[string]any, len(r.fields)+len(fields))}
	for _, f := range r.fields {
		e.Fields[f.Key] = f.Value
	}
	for _, f := range fields {
		e.Fields[f.Key] = f.Value
	}
	r.shared.mu.Lock()
	r.shared.entries = append(r.shared.entries, e)
	r.shared.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.shared.mu.Lock()
	defer r.shared.mu.Unlock()
	return append([]Entry(nil), r.shared.entries...)
}

// Find returns the recorded entries with the given message.
func (r *Recorder) Find(msg string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}
