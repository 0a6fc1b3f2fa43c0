package events

import (
	"encoding/json"
	"os"
	"sync"
)

// Journal mirrors the event stream to an append-only NDJSON file so a run can
// be reconstructed after the process (or the machine) is gone. Append never
// returns an error: a broken journal must not take the pipeline down.
type Journal struct {
	mu   sync.Mutex
	path string
}

func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

func (j *Journal) Append(ev Event) {
	if j == nil || j.path == "" {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(ev)
}
