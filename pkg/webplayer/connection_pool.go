package webplayer

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *poolClient) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans frames out to websocket viewers. Every connection has
// its own writer goroutine and bounded queue; a viewer whose queue is full is
// dropped so a slow browser never blocks playback.
type ConnectionPool struct {
	mu           sync.Mutex
	clients      map[wsConn]*poolClient
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
	logger       zerolog.Logger
}

func NewConnectionPool(idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		clients:      map[wsConn]*poolClient{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
		logger:       log.With().Str("component", "webplayer").Logger(),
	}
}

// Add registers conn. The initial frames are queued ahead of anything
// broadcast after Add returns.
func (cp *ConnectionPool) Add(conn wsConn, initial ...[]byte) {
	if conn == nil {
		return
	}
	c := &poolClient{
		conn: conn,
		send: make(chan []byte, cp.sendBuffer+len(initial)),
		done: make(chan struct{}),
	}
	for _, data := range initial {
		if len(data) > 0 {
			c.send <- data
		}
	}
	cp.mu.Lock()
	cp.clients[conn] = c
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writer(c)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	delete(cp.clients, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if ok {
		c.stop()
	} else if conn != nil {
		_ = conn.Close()
	}
}

// Broadcast queues data for every connection. It never blocks.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, c := range cp.clients {
		if !cp.enqueueLocked(c, data) {
			delete(cp.clients, conn)
		}
	}
	cp.scheduleIdleTimerLocked()
}

// SendToOne queues data for a single connection.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	c, ok := cp.clients[conn]
	if !ok {
		return
	}
	if !cp.enqueueLocked(c, data) {
		delete(cp.clients, conn)
		cp.scheduleIdleTimerLocked()
	}
}

func (cp *ConnectionPool) enqueueLocked(c *poolClient, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		cp.logger.Warn().Msg("ws send buffer full, dropping connection")
		go c.stop()
		return false
	}
}

func (cp *ConnectionPool) writer(c *poolClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cp.logger.Warn().Err(err).Msg("ws write failed, dropping connection")
				cp.Remove(c.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) Count() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	cp.mu.Lock()
	clients := make([]*poolClient, 0, len(cp.clients))
	for conn, c := range cp.clients {
		clients = append(clients, c)
		delete(cp.clients, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.clients) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	if cp.idleTimer != nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.clients) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
