package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

const (
	writeWait = 10 * time.Second
	// sendBuffer is how many snapshots a watcher may fall behind before it
	// is dropped.
	sendBuffer = 16
)

var (
	errWatcherDone = errors.New("watcher done")
	errWatcherSlow = errors.New("watcher fell behind")
)

// Hub fans job snapshots out to websocket watchers. It implements
// conversion.Observer. JobUpdated never waits on a connection; each watcher
// has its own writer goroutine.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*watcher]struct{}
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWatcher(conn *websocket.Conn) *watcher {
	return &watcher{conn: conn, send: make(chan []byte, sendBuffer)}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subs: make(map[string]map[*watcher]struct{}),
	}
}

// JobUpdated queues job for every watcher of it. Watchers are closed after a
// terminal snapshot, or dropped when their queue is full.
func (h *Hub) JobUpdated(job *models.ConversionJob) {
	h.mu.RLock()
	watchers := make([]*watcher, 0, len(h.subs[job.ID]))
	for w := range h.subs[job.ID] {
		watchers = append(watchers, w)
	}
	h.mu.RUnlock()
	if len(watchers) == 0 {
		return
	}

	payload, err := json.Marshal(job)
	if err != nil {
		h.logger.Error("failed to encode job snapshot", "job_id", job.ID, "error", err)
		return
	}
	terminal := job.Status.IsTerminal()
	for _, w := range watchers {
		err := w.enqueue(payload, terminal)
		if err == nil {
			continue
		}
		if errors.Is(err, errWatcherSlow) {
			h.logger.Warn("dropping slow job watcher", "job_id", job.ID)
		}
		h.remove(job.ID, w)
	}
}

// Watchers returns the number of open watchers of a job.
func (h *Hub) Watchers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

func (h *Hub) add(jobID string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*watcher]struct{})
	}
	h.subs[jobID][w] = struct{}{}
}

func (h *Hub) remove(jobID string, w *watcher) {
	h.mu.Lock()
	delete(h.subs[jobID], w)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
	h.mu.Unlock()
	w.stop()
}

func (w *watcher) enqueue(payload []byte, terminal bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enqueueLocked(payload, terminal)
}

// enqueueLocked returns nil while the watcher stays open.
func (w *watcher) enqueueLocked(payload []byte, terminal bool) error {
	if w.closed {
		return errWatcherDone
	}
	select {
	case w.send <- payload:
	default:
		w.stopLocked()
		return errWatcherSlow
	}
	if terminal {
		w.stopLocked()
		return errWatcherDone
	}
	return nil
}

// stop ends the stream. The writer flushes what is queued, then closes the
// connection.
func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *watcher) stopLocked() {
	if !w.closed {
		w.closed = true
		close(w.send)
	}
}

func (w *watcher) writeLoop() {
	defer w.conn.Close()
	for payload := range w.send {
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			w.stop()
			return
		}
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
}

// watchConversion streams job snapshots until the job reaches a terminal
// status or the client disconnects.
func (s *Server) watchConversion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.conversions.GetConversion(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	wt := newWatcher(conn)
	go wt.writeLoop()

	// Hold the watcher while registering so the first snapshot is queued
	// before any broadcast.
	wt.mu.Lock()
	s.hub.add(id, wt)
	open := false
	if job, err := s.conversions.GetConversion(r.Context(), id); err == nil {
		if payload, err := json.Marshal(job); err == nil {
			open = wt.enqueueLocked(payload, job.Status.IsTerminal()) == nil
		}
	}
	wt.mu.Unlock()
	if !open {
		s.hub.remove(id, wt)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.hub.remove(id, wt)
}
