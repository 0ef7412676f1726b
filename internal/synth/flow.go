package synth

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// FlowState is the lifecycle state of a Flow.
type FlowState int32

const (
	StateSynReceived FlowState = iota
	StateEstablished
	StateClosed
)

func (s FlowState) String() string {
	switch s {
	case StateSynReceived:
		return "SynReceived"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Flow is the per-4-tuple record held by the Tunnel Endpoint. appSeq and
// ourSeq are accessed from both the virtual-interface
// reader goroutine (HandleInbound) and the relay-channel reader goroutine
// (HandleResponse), so they are plain atomics rather than needing their
// own mutex; the single write mutex in internal/link.Device still
// serializes the actual writes.
type Flow struct {
	ID         string
	ClientIP   net.IP
	ClientPort uint16
	ServerIP   net.IP
	ServerPort uint16

	appSeq atomic.Uint32
	ourSeq atomic.Uint32
	state  atomic.Int32
}

// newFlow builds a Flow for a just-accepted SYN, with ourSeq initialized
// to 2 (ISN 1 + the one sequence number the synthesized SYN consumes) and
// appSeq initialized to clientISN+1.
func newFlow(id string, clientIP net.IP, clientPort uint16, serverIP net.IP, serverPort uint16, clientISN uint32) *Flow {
	f := &Flow{
		ID:         id,
		ClientIP:   clientIP,
		ClientPort: clientPort,
		ServerIP:   serverIP,
		ServerPort: serverPort,
	}
	f.appSeq.Store(clientISN + 1)
	f.ourSeq.Store(2)
	f.state.Store(int32(StateEstablished))
	return f
}

// AppSeq returns the next sequence number expected from the client.
func (f *Flow) AppSeq() uint32 { return f.appSeq.Load() }

// OurSeq returns the next sequence number the endpoint will assign to a
// byte it emits toward the client.
func (f *Flow) OurSeq() uint32 { return f.ourSeq.Load() }

// State returns the current lifecycle state.
func (f *Flow) State() FlowState { return FlowState(f.state.Load()) }

// advanceAppSeq overwrites appSeq with seq+payloadLen (mod 2^32). This is
// an overwrite rather than an add because the caller already knows the
// absolute next-expected value from the inbound segment.
func (f *Flow) advanceAppSeq(seq uint32, payloadLen int) {
	f.appSeq.Store(seq + uint32(payloadLen))
}

// advanceOurSeq adds n to ourSeq (mod 2^32 wraparound via unsigned
// overflow), returning the value ourSeq had *before* the advance — the
// sequence number that should be stamped on the segment carrying those n
// bytes.
func (f *Flow) advanceOurSeq(n int) uint32 {
	for {
		old := f.ourSeq.Load()
		next := old + uint32(n)
		if f.ourSeq.CompareAndSwap(old, next) {
			return old
		}
	}
}

// close marks the flow Closed. It is idempotent.
func (f *Flow) close() {
	f.state.Store(int32(StateClosed))
}

// FlowID renders the 4-tuple as the stable textual connection id shared
// with the Relay Host.
func FlowID(clientIP net.IP, clientPort uint16, serverIP net.IP, serverPort uint16) string {
	return fmt.Sprintf("%s:%d=>%s:%d", clientIP.String(), clientPort, serverIP.String(), serverPort)
}

// flowTable is the concurrent map of active flows: entries are inserted
// from the virtual-interface reader goroutine and removed from either
// that goroutine or the relay-channel reader goroutine, while lookups
// never block a writer.
type flowTable struct {
	m sync.Map
}

func (t *flowTable) lookup(id string) (*Flow, bool) {
	v, ok := t.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Flow), true
}

func (t *flowTable) store(id string, f *Flow) {
	t.m.Store(id, f)
}

func (t *flowTable) loadAndDelete(id string) (*Flow, bool) {
	v, ok := t.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*Flow), true
}

func (t *flowTable) clear() {
	t.m.Range(func(key, _ interface{}) bool {
		t.m.Delete(key)
		return true
	})
}
