// Package relaymanager owns one Relay Host channel's set of real
// outbound TCP sockets: dialing them on Connect, writing Data straight
// through, batching what comes back before handing it to the Emitter,
// half-closing on ShutdownWrite, and tearing a connection down on
// Disconnect, a write failure, or the socket's read side ending.
package relaymanager

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vaagnavanesyan/tunec/internal/logging"
)

// ErrUnknownConnection describes an operation naming a connection id
// the Manager has no record of. The Manager's methods return no error:
// Data reports this case to the peer as Error(id, "unknown connection")
// and ShutdownWrite only logs it.
var ErrUnknownConnection = errors.New("relaymanager: unknown connection")

const (
	dialTimeout  = 20 * time.Second
	flushSize    = 4096
	flushTimeout = 10 * time.Millisecond
	readBufSize  = 32 * 1024
)

// Emitter delivers frames back toward the Tunnel Endpoint over the
// relay channel. Implementations must be safe for concurrent calls
// from every connection's reader.
type Emitter interface {
	EmitConnected(id string)
	EmitData(id string, payload []byte)
	EmitDisconnected(id string)
	EmitError(id, message string)
}

// Manager is the set of real sockets backing one relay channel. The
// zero value is not usable; use New.
type Manager struct {
	emitter Emitter
	log     *logging.Logger

	mu    sync.RWMutex
	conns map[string]*connRecord
}

// New constructs a Manager. log may be nil.
func New(emitter Emitter, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.New(false)
	}
	return &Manager{emitter: emitter, log: log, conns: make(map[string]*connRecord)}
}

type connRecord struct {
	id   string
	conn net.Conn

	mu         sync.Mutex
	pending    [][]byte
	pendingLen int
	timer      *time.Timer
	dead       bool

	closeOnce sync.Once
}

// Connect dials destIP:destPort and, on success, starts the
// connection's read loop and emits Connected; on failure it emits
// Error and the connection id remains unknown to the Manager.
func (m *Manager) Connect(id, destIP string, destPort uint16) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.Dial("tcp", net.JoinHostPort(destIP, fmt.Sprint(destPort)))
	if err != nil {
		m.emitter.EmitError(id, err.Error())
		return
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	rec := &connRecord{id: id, conn: conn}

	m.mu.Lock()
	m.conns[id] = rec
	m.mu.Unlock()

	m.emitter.EmitConnected(id)

	go m.readLoop(rec)
}

// Data writes payload to the connection's socket. An unknown id emits
// Error(id, "unknown connection"): the relay channel's peer asked to
// write to a connection this Manager has no record of, typically
// because it raced a teardown.
func (m *Manager) Data(id string, payload []byte) {
	rec, ok := m.lookup(id)
	if !ok {
		m.log.Verbosef("relaymanager: data for unknown connection %s", id)
		m.emitter.EmitError(id, "unknown connection")
		return
	}

	if _, err := rec.conn.Write(payload); err != nil {
		m.log.Verbosef("relaymanager: write failed for %s: %v, tearing down", id, err)
		m.teardown(rec)
	}
}

// Disconnect closes the connection and removes its record. Idempotent
// and safe to call for an id that no longer exists.
func (m *Manager) Disconnect(id string) {
	rec, ok := m.lookup(id)
	if !ok {
		return
	}
	m.teardown(rec)
}

// ShutdownWrite half-closes the write side of the connection's socket,
// mirroring a client FIN without tearing down the read side.
func (m *Manager) ShutdownWrite(id string) {
	rec, ok := m.lookup(id)
	if !ok {
		m.log.Verbosef("relaymanager: shutdown-write for unknown connection %s, dropping", id)
		return
	}

	if tcpConn, ok := rec.conn.(*net.TCPConn); ok {
		if err := tcpConn.CloseWrite(); err != nil {
			m.log.Verbosef("relaymanager: close-write failed for %s: %v", id, err)
		}
	}
}

// Shutdown tears down every open connection, used when the relay
// channel itself drops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	recs := make([]*connRecord, 0, len(m.conns))
	for _, rec := range m.conns {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	for _, rec := range recs {
		m.teardown(rec)
	}
}

func (m *Manager) lookup(id string) (*connRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.conns[id]
	return rec, ok
}

// teardown closes the socket and removes the record exactly once, then
// emits Disconnected. Safe to call concurrently (from Data's write
// failure path and from Disconnect) for the same record. It cancels
// any pending flush and discards buffered bytes so the record's
// batching buffer is empty by the time it is deleted; a readLoop
// goroutine still unwinding from the same Close sees rec.dead in
// flush and does not emit a trailing Data for a connection Disconnected
// has already been sent for.
func (m *Manager) teardown(rec *connRecord) {
	rec.closeOnce.Do(func() {
		rec.conn.Close()

		rec.mu.Lock()
		rec.dead = true
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.pending = nil
		rec.pendingLen = 0
		rec.mu.Unlock()

		m.mu.Lock()
		delete(m.conns, rec.id)
		m.mu.Unlock()

		m.emitter.EmitDisconnected(rec.id)
	})
}

// readLoop reads from rec's socket until it errors, batching reads
// behind the 4096-byte/10ms flush discipline before handing bytes to
// the Emitter.
func (m *Manager) readLoop(rec *connRecord) {
	buf := make([]byte, readBufSize)
	for {
		n, err := rec.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.enqueue(rec, chunk)
		}
		if err != nil {
			m.flush(rec)
			m.teardown(rec)
			return
		}
	}
}

func (m *Manager) enqueue(rec *connRecord, chunk []byte) {
	rec.mu.Lock()
	rec.pending = append(rec.pending, chunk)
	rec.pendingLen += len(chunk)

	if rec.pendingLen >= flushSize {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.mu.Unlock()
		m.flush(rec)
		return
	}

	if rec.timer == nil {
		rec.timer = time.AfterFunc(flushTimeout, func() { m.flush(rec) })
	}
	rec.mu.Unlock()
}

func (m *Manager) flush(rec *connRecord) {
	rec.mu.Lock()
	if rec.dead {
		rec.mu.Unlock()
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	if len(rec.pending) == 0 {
		rec.mu.Unlock()
		return
	}

	total := make([]byte, 0, rec.pendingLen)
	for _, chunk := range rec.pending {
		total = append(total, chunk...)
	}
	rec.pending = nil
	rec.pendingLen = 0
	rec.mu.Unlock()

	m.emitter.EmitData(rec.id, total)
}
