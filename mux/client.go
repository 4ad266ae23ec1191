package mux

import (
	"io"
	"sync"
	"time"

	"github.com/xtls/vlesstun/common/activity"
	"github.com/xtls/vlesstun/common/errors"
	vnet "github.com/xtls/vlesstun/common/net"
	"github.com/xtls/vlesstun/vless"
)

// idleTimeout is how long a mux client with zero sessions stays open
// waiting for a new one before closing itself (spec §4.9).
const idleTimeout = 16 * time.Second

// Dialer opens the outer VLESS-TCP connection a Client multiplexes over.
// The returned connection must carry the VLESS request header for
// command=mux, written by the caller's pipeline (MuxDialTarget writes one);
// Client itself never writes it.
type Dialer func() (io.ReadWriteCloser, error)

type writeJob struct {
	frame []byte
	done  chan error
}

// Client is a lazily-connected mux multiplexer: the outer VLESS connection
// is opened on the first CreateSession call (spec §4.9 "Client lifecycle").
type Client struct {
	dial Dialer

	mu         sync.Mutex
	outer      io.ReadWriteCloser
	connecting bool
	connErr    error
	connected  chan struct{}
	pending    []*Session

	sessions map[uint16]*Session
	nextID   uint16
	closed   bool
	isFull   bool // true once an XUDP dedicated client has taken its one session

	writeCh   chan writeJob
	closeCh   chan struct{}
	idleTimer *activity.Timer
}

// NewClient creates a reusable mux client. A CreateSession call with xudp
// set takes session id 0 and marks the client full, so every later
// CreateSession on it fails (spec: "XUDP uses a dedicated mux client per flow with session
// id 0 and isFull=true afterwards").
func NewClient(dial Dialer) *Client {
	c := &Client{
		dial:      dial,
		sessions:  make(map[uint16]*Session),
		nextID:    1,
		connected: make(chan struct{}),
		writeCh:   make(chan writeJob, 64),
		closeCh:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// CreateSession opens a new logical flow. onData is invoked for each
// payload delivered to this session; onClose when the session ends.
func (c *Client) CreateSession(target vnet.Destination, xudp bool, globalID [8]byte, hasGlobal bool, onData func([]byte), onClose func()) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("mux client is closed")
	}
	if c.isFull {
		c.mu.Unlock()
		return nil, errors.New("mux client is dedicated and already has a session")
	}

	var id uint16
	if xudp {
		id = 0
		c.isFull = true
	} else {
		id = c.nextID
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1 // wraps skipping 0
		}
	}

	s := &Session{ID: id, Target: target, onData: onData, onClose: onClose, globalID: globalID, hasGlobal: hasGlobal}
	c.sessions[id] = s
	if c.idleTimer != nil {
		c.idleTimer.Cancel()
	}

	if !c.connecting && c.outer == nil {
		c.connecting = true
		c.pending = append(c.pending, s)
		go c.connectAndFlush()
		c.mu.Unlock()
		return s, nil
	}
	if c.connecting {
		c.pending = append(c.pending, s)
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	c.sendNew(s, globalID, hasGlobal)
	return s, nil
}

func (c *Client) connectAndFlush() {
	outer, err := c.dial()

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.connErr = err
		pending := c.pending
		c.pending = nil
		for _, s := range pending {
			delete(c.sessions, s.ID)
		}
		c.mu.Unlock()
		for _, s := range pending {
			s.close()
		}
		return
	}
	c.outer = outer
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	close(c.connected)

	go c.readLoop(outer)

	for _, s := range pending {
		c.sendNew(s, s.globalID, s.hasGlobal)
	}
}

func (c *Client) sendNew(s *Session, globalID [8]byte, hasGlobal bool) {
	m := Metadata{SessionID: s.ID, Status: StatusNew, Target: s.Target, GlobalID: globalID, HasGlobal: hasGlobal}
	c.enqueue(WriteFrame(nil, m, nil))
}

// SendData frames and queues a data payload for an existing session.
func (c *Client) SendData(s *Session, payload []byte) {
	m := Metadata{SessionID: s.ID, Status: StatusKeep, Target: s.Target}
	c.enqueue(WriteFrame(nil, m, payload))
}

// EndSession sends an end frame and removes the session locally.
func (c *Client) EndSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s.ID)
	empty := len(c.sessions) == 0
	c.mu.Unlock()
	c.enqueue(WriteFrame(nil, Metadata{SessionID: s.ID, Status: StatusEnd}, nil))
	if empty {
		c.armIdleTimer()
	}
}

func (c *Client) armIdleTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Cancel()
	}
	c.idleTimer = activity.New(idleTimeout, c.closeIdle)
}

func (c *Client) closeIdle() {
	c.mu.Lock()
	if len(c.sessions) != 0 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Close()
}

// enqueue hands one fully-encoded frame to the single write-serializer
// goroutine (spec: "one sendRaw in flight at a time"). It never sends on
// writeCh after Close has run: Close never closes writeCh itself (to avoid
// a send-on-closed-channel panic racing this function), instead signaling
// shutdown via closeCh, which this select also waits on.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.writeCh <- writeJob{frame: frame}:
	case <-c.closeCh:
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case job := <-c.writeCh:
			c.mu.Lock()
			outer := c.outer
			c.mu.Unlock()
			if outer == nil {
				continue
			}
			_, err := outer.Write(job.frame)
			if job.done != nil {
				job.done <- err
			}
			if err != nil {
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) readLoop(outer io.ReadWriteCloser) {
	r := NewReader(outer)
	for {
		m, payload, err := r.ReadFrame()
		if err != nil {
			c.Close()
			return
		}
		switch m.Status {
		case StatusNew:
			// not expected on a client; ignore.
		case StatusKeep:
			c.mu.Lock()
			s := c.sessions[m.SessionID]
			c.mu.Unlock()
			if s != nil {
				s.deliver(payload)
			}
		case StatusEnd:
			c.mu.Lock()
			s := c.sessions[m.SessionID]
			delete(c.sessions, m.SessionID)
			empty := len(c.sessions) == 0
			c.mu.Unlock()
			if s != nil {
				s.close()
			}
			if empty {
				c.armIdleTimer()
			}
		case StatusKeepAlive:
			// no action
		}
	}
}

// Close tears down the client: the outer connection, the write
// serializer, and every live session's close handler (spec: "on error,
// close the entire client and fail all queued completions").
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[uint16]*Session)
	outer := c.outer
	if c.idleTimer != nil {
		c.idleTimer.Cancel()
	}
	c.mu.Unlock()

	close(c.closeCh)
	for _, s := range sessions {
		s.close()
	}
	if outer != nil {
		return outer.Close()
	}
	return nil
}

// IsDedicated reports whether this client is an XUDP single-session client
// that has already taken its one session.
func (c *Client) IsDedicated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFull
}

// MuxDialTarget writes the mux control-channel request header on a freshly
// opened outer connection, per spec §4.7 ("its target is the conventional
// v1.mux.cool:666, omitted on the wire").
func MuxDialTarget(w io.Writer, id [16]byte) error {
	return vless.EncodeRequestHeader(w, &vless.Request{ID: id, Command: vless.CommandMux})
}
