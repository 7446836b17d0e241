package progress

import (
	"encoding/json"
	"io"
	"sync"
)

// JSONLinesSink writes one JSON object per event, one event per line.
// Suited for piping a run into other tooling.
type JSONLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines builds a sink encoding events onto w.
func NewJSONLines(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

func (s *JSONLinesSink) Emit(ev Event) {
	s.mu.Lock()
	_ = s.enc.Encode(ev)
	s.mu.Unlock()
}
