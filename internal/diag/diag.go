// Package diag serves a websocket feed of live socket-table state —
// every allocated descriptor's FSM state and counters — so an operator
// can watch a simptcpd instance from a browser instead of scraping logs.
// It never touches the dispatcher or the CCBs directly: it only polls
// the same narrow Source interface internal/metrics uses.
package diag

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/simptcp/internal/ccb"
	"github.com/rcarmo/simptcp/internal/logging"
)

const (
	webSocketReadBufferSize  = 4096
	webSocketWriteBufferSize = 4096
)

// Source is the subset of internal/entity's API the feed needs: enumerate
// live descriptors and read their state/stats.
type Source interface {
	Descriptors() []int
	Stats(id int) (ccb.Stats, ccb.State, bool)
}

// Snapshot is one descriptor's state as sent to a connected client.
type Snapshot struct {
	ID              int    `json:"id"`
	State           string `json:"state"`
	PDUsSent        uint64 `json:"pdusSent"`
	PDUsReceived    uint64 `json:"pdusReceived"`
	InputErrors     uint64 `json:"inputErrors"`
	Retransmissions uint64 `json:"retransmissions"`
}

// Feed upgrades HTTP connections to websockets and pushes a Snapshot list
// to each client on a fixed interval until the client disconnects.
type Feed struct {
	source         Source
	logger         *logging.Logger
	interval       time.Duration
	allowedOrigins string

	upgrader websocket.Upgrader
}

// Options configures a Feed.
type Options struct {
	Interval       time.Duration
	Logger         *logging.Logger
	AllowedOrigins string // comma-separated; empty means DIAG_ALLOWED_ORIGINS is read instead (localhost is always allowed)
}

// NewFeed returns a Feed polling source for its periodic snapshots.
func NewFeed(source Source, opts Options) *Feed {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	f := &Feed{
		source:         source,
		logger:         opts.Logger,
		interval:       opts.Interval,
		allowedOrigins: opts.AllowedOrigins,
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return f.isAllowedOrigin(r.Header.Get("Origin"))
		},
	}
	return f
}

// ServeHTTP upgrades the request to a websocket and streams socket-table
// snapshots until the client goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("diag: upgrade: %v", err)
		return
	}
	defer conn.Close()

	go f.drainClient(conn)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var writeMu sync.Mutex
	for range ticker.C {
		snap := f.snapshot()
		writeMu.Lock()
		err := conn.WriteJSON(snap)
		writeMu.Unlock()
		if err != nil {
			if err != websocket.ErrCloseSent {
				f.logger.Debug("diag: write: %v", err)
			}
			return
		}
	}
}

// drainClient discards whatever the client sends; the feed is one-way,
// but a dead read loop is how gorilla/websocket learns the peer closed
// the connection.
func (f *Feed) drainClient(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) snapshot() []Snapshot {
	ids := f.source.Descriptors()
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		stats, state, ok := f.source.Stats(id)
		if !ok {
			continue
		}
		out = append(out, Snapshot{
			ID:              id,
			State:           state.String(),
			PDUsSent:        stats.PDUsSent,
			PDUsReceived:    stats.PDUsReceived,
			InputErrors:     stats.InputErrors,
			Retransmissions: stats.Retransmissions,
		})
	}
	return out
}

// isAllowedOrigin mirrors the teacher's localhost-first allow-list: any
// localhost/127.0.0.1 origin is always accepted for development, plus
// whatever the feed was configured with.
func (f *Feed) isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}

	normalized := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	normalized = strings.TrimSuffix(normalized, "/")

	if strings.HasPrefix(normalized, "localhost") || strings.HasPrefix(normalized, "127.0.0.1") {
		return true
	}

	allowed := f.allowedOrigins
	if allowed == "" {
		allowed = os.Getenv("DIAG_ALLOWED_ORIGINS")
	}

	for _, entry := range strings.Split(allowed, ",") {
		candidate := strings.TrimSpace(entry)
		if candidate == "" {
			continue
		}
		if candidate == origin || candidate == normalized {
			return true
		}
		if strings.TrimPrefix(candidate, "http://") == normalized || strings.TrimPrefix(candidate, "https://") == normalized {
			return true
		}
	}

	return false
}
