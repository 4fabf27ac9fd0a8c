// Package audit records connection lifecycle events to a local CSV file,
// adapted from the metrics file writer's pattern of a thin zerolog-backed
// append-only sink.
package audit

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mark46/signal/internal/wsproto"
)

// DefaultFile is where connection events are appended when no other path
// is configured.
const DefaultFile = "mark46_connections.csv"

// Log appends connection lifecycle events to a CSV file. The zero value
// is unusable; construct with [New].
type Log struct {
	mu   sync.Mutex
	file string
	log  zerolog.Logger
}

// New constructs a Log writing to file, using l for its own operational
// errors (e.g. failing to open the file).
func New(file string, l zerolog.Logger) *Log {
	if file == "" {
		file = DefaultFile
	}
	return &Log{file: file, log: l}
}

// Connected records a peer reaching the Connected state.
func (a *Log) Connected(peerID, remoteAddr string, t time.Time) {
	a.write([]string{t.Format(time.RFC3339), "connected", peerID, remoteAddr, "", ""})
}

// Disconnected records a peer's terminal close, including the close code
// and reason surfaced to application code.
func (a *Log) Disconnected(peerID string, status wsproto.StatusCode, reason string, t time.Time) {
	a.write([]string{
		t.Format(time.RFC3339), "disconnected", peerID, "",
		strconv.Itoa(int(status)), reason,
	})
}

func (a *Log) write(record []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to open audit file")
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		a.log.Error().Err(err).Msg("failed to write audit record")
	}
	w.Flush()
}
