package battleclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/syntaxsurge/escrowzy-okx-sub005/pkg/battledto"
)

type StreamState string

const (
	StreamDisconnected StreamState = "disconnected"
	StreamConnecting   StreamState = "connecting"
	StreamConnected    StreamState = "connected"
	StreamReconnecting StreamState = "reconnecting"
	StreamFailed       StreamState = "failed"
)

type EventCallback func(ev *battledto.Event)

type StateCallback func(state StreamState)

type callbackEntry struct {
	id       int
	callback EventCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Stream follows the caller's private channel and any watched battles,
// redialing with backoff when the connection drops.
type Stream struct {
	wsURL  string
	header http.Header

	conn  *websocket.Conn
	connM sync.Mutex

	state  StreamState
	stateM sync.RWMutex

	eventCbs []callbackEntry
	stateCbs []stateCallbackEntry
	nextID   int
	cbM      sync.RWMutex

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// Stream prepares an event stream for the client's user. battleIDs must be
// battles the user plays in; the server refuses the handshake otherwise.
func (c *Client) Stream(battleIDs ...string) *Stream {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u += "/v1/ws"
	if len(battleIDs) > 0 {
		q := url.Values{}
		for _, id := range battleIDs {
			if id = strings.TrimSpace(id); id != "" {
				q.Add("battle", id)
			}
		}
		u += "?" + q.Encode()
	}
	hdr := http.Header{}
	hdr.Set("X-User-Id", c.userID)
	if c.session != "" {
		hdr.Set("X-Session-Token", c.session)
	}
	return &Stream{
		wsURL:                u,
		header:               hdr,
		state:                StreamDisconnected,
		maxReconnectAttempts: 5,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
	}
}

// SetReconnectAttempts bounds redials after a drop; zero disables reconnecting.
func (s *Stream) SetReconnectAttempts(n int) { s.maxReconnectAttempts = n }

func (s *Stream) State() StreamState {
	s.stateM.RLock()
	defer s.stateM.RUnlock()
	return s.state
}

func (s *Stream) Connect(ctx context.Context) error {
	s.stateM.Lock()
	if s.state == StreamConnected || s.state == StreamConnecting {
		s.stateM.Unlock()
		return nil
	}
	s.stateM.Unlock()

	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())
	s.setState(StreamConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := s.dial(dialCtx)
	if err != nil {
		s.setState(StreamFailed)
		return err
	}
	s.attach(conn)
	return nil
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      s.header.Clone(),
	})
	return conn, err
}

func (s *Stream) attach(conn *websocket.Conn) {
	s.connM.Lock()
	s.conn = conn
	s.connM.Unlock()
	s.setState(StreamConnected)
	s.wg.Add(2)
	go s.listen(conn)
	go s.pingLoop(conn)
}

func (s *Stream) listen(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		var ev battledto.Event
		if err := wsjson.Read(s.rootCtx, conn, &ev); err != nil {
			if s.isStopping() {
				return
			}
			s.dropConn(conn, "reconnect")
			return
		}
		s.cbM.RLock()
		callbacks := make([]callbackEntry, len(s.eventCbs))
		copy(callbacks, s.eventCbs)
		s.cbM.RUnlock()
		for _, entry := range callbacks {
			entry.callback(&ev)
		}
	}
}

func (s *Stream) pingLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.rootCtx.Done():
			return
		case <-t.C:
			if !s.current(conn) {
				return
			}
			ctx, cancel := context.WithTimeout(s.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				s.dropConn(conn, "ping failure")
				return
			}
		}
	}
}

func (s *Stream) current(conn *websocket.Conn) bool {
	s.connM.Lock()
	defer s.connM.Unlock()
	return s.conn == conn
}

// dropConn closes conn once and schedules a redial unless the stream is stopping.
func (s *Stream) dropConn(conn *websocket.Conn, reason string) {
	s.connM.Lock()
	if s.conn != conn {
		s.connM.Unlock()
		return
	}
	s.conn = nil
	s.connM.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	if s.isStopping() {
		return
	}
	s.setState(StreamDisconnected)
	s.scheduleReconnect()
}

func (s *Stream) scheduleReconnect() {
	if s.maxReconnectAttempts <= 0 {
		s.setState(StreamFailed)
		return
	}
	s.setState(StreamReconnecting)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
			select {
			case <-s.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			dialCtx, cancel := context.WithTimeout(s.rootCtx, 10*time.Second)
			conn, err := s.dial(dialCtx)
			cancel()
			if err != nil {
				continue
			}
			if s.isStopping() {
				_ = conn.Close(websocket.StatusNormalClosure, "close")
				return
			}
			s.attach(conn)
			return
		}
		s.setState(StreamFailed)
	}()
}

func (s *Stream) OnEvent(cb EventCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	s.nextID++
	s.eventCbs = append(s.eventCbs, callbackEntry{id: s.nextID, callback: cb})
	return s.nextID
}

func (s *Stream) RemoveEventCallback(id int) {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	for i, cb := range s.eventCbs {
		if cb.id == id {
			s.eventCbs = append(s.eventCbs[:i], s.eventCbs[i+1:]...)
			break
		}
	}
}

func (s *Stream) OnStateChange(cb StateCallback) int {
	s.cbM.Lock()
	defer s.cbM.Unlock()
	s.nextID++
	s.stateCbs = append(s.stateCbs, stateCallbackEntry{id: s.nextID, callback: cb})
	return s.nextID
}

func (s *Stream) setState(state StreamState) {
	s.stateM.Lock()
	s.state = state
	s.stateM.Unlock()

	s.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(s.stateCbs))
	copy(callbacks, s.stateCbs)
	s.cbM.RUnlock()
	for _, entry := range callbacks {
		entry.callback(state)
	}
}

func (s *Stream) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.connM.Lock()
	conn := s.conn
	s.conn = nil
	s.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	if s.rootCancel != nil {
		s.rootCancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.setState(StreamDisconnected)
		return nil
	}
}

func (s *Stream) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
