package notify

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/pkg/logging"
)

const (
	feedBuffer       = 16
	feedWriteTimeout = 10 * time.Second
)

// FeedMessage is what a connected doctor receives.
type FeedMessage struct {
	Type   string           `json:"type"`
	Notice *followup.Notice `json:"notice,omitempty"`
	At     time.Time        `json:"at"`
}

// Feed fans notices out to the doctors currently connected. A subscriber
// that cannot keep up loses messages rather than blocking the publisher.
type Feed struct {
	mu     sync.RWMutex
	subs   map[string]map[chan FeedMessage]struct{}
	now    func() time.Time
	logger *logging.Logger
}

func NewFeed(logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.Default()
	}
	return &Feed{subs: make(map[string]map[chan FeedMessage]struct{}), now: time.Now, logger: logger}
}

// Subscribe registers a listener for doctorID. Call the returned func to leave.
func (f *Feed) Subscribe(doctorID string) (<-chan FeedMessage, func()) {
	ch := make(chan FeedMessage, feedBuffer)
	f.mu.Lock()
	if f.subs[doctorID] == nil {
		f.subs[doctorID] = make(map[chan FeedMessage]struct{})
	}
	f.subs[doctorID][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[doctorID], ch)
			if len(f.subs[doctorID]) == 0 {
				delete(f.subs, doctorID)
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers notice to every subscriber of its doctor.
func (f *Feed) Publish(notice followup.Notice) {
	msg := FeedMessage{Type: "notice", Notice: &notice, At: f.now().UTC()}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs[notice.DoctorID] {
		select {
		case ch <- msg:
		default:
			f.logger.Warn("doctor feed subscriber is behind, dropping notice", "doctor_id", notice.DoctorID, "kind", notice.Kind)
		}
	}
}

// Subscribers reports how many connections doctorID has open.
func (f *Feed) Subscribers(doctorID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[doctorID])
}

// Handler streams doctorID's notices over a websocket until the client leaves.
// Authentication happens before this handler runs.
func (f *Feed) Handler(doctorID string) http.Handler {
	return websocket.Server{Handler: func(conn *websocket.Conn) {
		defer conn.Close()
		msgs, leave := f.Subscribe(doctorID)
		defer leave()

		f.logger.Info("doctor feed connected", "doctor_id", doctorID)
		if err := f.write(conn, FeedMessage{Type: "ready", At: f.now().UTC()}); err != nil {
			return
		}

		// The reader only watches for the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			var discard string
			for {
				if err := websocket.Message.Receive(conn, &discard); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				f.logger.Debug("doctor feed disconnected", "doctor_id", doctorID)
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := f.write(conn, msg); err != nil {
					f.logger.Debug("doctor feed write failed", "doctor_id", doctorID, "error", err)
					return
				}
			}
		}
	}}
}

func (f *Feed) write(conn *websocket.Conn, msg FeedMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return websocket.JSON.Send(conn, msg)
}
