package synth

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaagnavanesyan/tunec/internal/tcpip"
)

type fakeRelay struct {
	mu            sync.Mutex
	connectErr    error
	connected     []string
	data          [][]byte
	disconnects   []string
	shutdownWrite []string
}

func (r *fakeRelay) ConnectFlow(id, destIP string, destPort uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return r.connectErr
	}
	r.connected = append(r.connected, id)
	return nil
}

func (r *fakeRelay) SendData(id string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]byte(nil), payload...)
	r.data = append(r.data, cp)
}

func (r *fakeRelay) SendDisconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, id)
}

func (r *fakeRelay) SendShutdownWrite(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdownWrite = append(r.shutdownWrite, id)
}

type fakeWriter struct {
	mu      sync.Mutex
	packets [][]byte
}

func (w *fakeWriter) Write(pkt []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), pkt...)
	w.packets = append(w.packets, cp)
	return nil
}

func (w *fakeWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.packets) == 0 {
		return nil
	}
	return w.packets[len(w.packets)-1]
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

var (
	clientIP = net.IPv4(10, 0, 0, 2)
	serverIP = net.IPv4(93, 184, 216, 34)
)

func synSegment(clientPort uint16, serverPort uint16, isn uint32) *tcpip.Segment {
	return &tcpip.Segment{
		SrcIP: clientIP, SrcPort: clientPort,
		DstIP: serverIP, DstPort: serverPort,
		Seq: isn, SYN: true,
	}
}

func TestHandleInboundSYNConnectedEmitsSynAck(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})

	s.HandleInbound(synSegment(54321, 443, 1000))

	require.Equal(t, 1, writer.count())
	seg, ok := tcpip.ParseSegment(writer.last())
	require.True(t, ok)
	assert.True(t, seg.SYN)
	assert.True(t, seg.ACK)
	assert.Equal(t, uint32(1), seg.Seq)
	assert.Equal(t, uint32(1001), seg.Ack)
	assert.Equal(t, serverIP.String(), seg.SrcIP.String())
	assert.Equal(t, clientIP.String(), seg.DstIP.String())

	f, ok := s.Lookup(FlowID(clientIP, 54321, serverIP, 443))
	require.True(t, ok)
	assert.Equal(t, StateEstablished, f.State())
	assert.Equal(t, uint32(1001), f.AppSeq())
	assert.Equal(t, uint32(2), f.OurSeq()) // ISN 1 + 1 consumed by SYN
}

func TestHandleInboundSYNErrorDropsNoFlowNoPacket(t *testing.T) {
	relay := &fakeRelay{connectErr: errors.New("timeout")}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})

	s.HandleInbound(synSegment(54321, 443, 1000))

	assert.Equal(t, 0, writer.count())
	_, ok := s.Lookup(FlowID(clientIP, 54321, serverIP, 443))
	assert.False(t, ok)
}

func TestHandleInboundDuplicateSYNIgnored(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})

	s.HandleInbound(synSegment(54321, 443, 1000))
	require.Equal(t, 1, writer.count())

	s.HandleInbound(synSegment(54321, 443, 1000))
	assert.Equal(t, 1, writer.count(), "duplicate SYN must not emit another SYN-ACK")
}

func TestHandleInboundPayloadForwardsAndAcks(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})
	s.HandleInbound(synSegment(54321, 443, 1000))

	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	dataSeg := &tcpip.Segment{
		SrcIP: clientIP, SrcPort: 54321,
		DstIP: serverIP, DstPort: 443,
		Seq: 1001, ACK: true, Payload: payload,
	}
	s.HandleInbound(dataSeg)

	require.Len(t, relay.data, 1)
	assert.Equal(t, payload, relay.data[0])

	require.Equal(t, 2, writer.count())
	ackSeg, ok := tcpip.ParseSegment(writer.last())
	require.True(t, ok)
	assert.False(t, ackSeg.SYN)
	assert.True(t, ackSeg.ACK)
	assert.Empty(t, ackSeg.Payload)
	assert.Equal(t, uint32(1001+uint32(len(payload))), ackSeg.Ack)
}

func TestHandleInboundZeroPayloadIgnored(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})
	s.HandleInbound(synSegment(54321, 443, 1000))
	writer.packets = nil

	pureAck := &tcpip.Segment{SrcIP: clientIP, SrcPort: 54321, DstIP: serverIP, DstPort: 443, Seq: 1001, ACK: true}
	s.HandleInbound(pureAck)

	assert.Equal(t, 0, writer.count())
	assert.Empty(t, relay.data)
}

func TestHandleInboundUnknownFlowDropped(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})

	dataSeg := &tcpip.Segment{SrcIP: clientIP, SrcPort: 1, DstIP: serverIP, DstPort: 2, Seq: 1, Payload: []byte("x")}
	s.HandleInbound(dataSeg)

	assert.Equal(t, 0, writer.count())
	assert.Empty(t, relay.data)
}

func TestHandleResponseDataFragmentsAtMSS(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})
	s.HandleInbound(synSegment(54321, 443, 1000))
	writer.packets = nil

	id := FlowID(clientIP, 54321, serverIP, 443)
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	s.HandleResponse(id, ResponseData, payload, "")

	require.Equal(t, 2, writer.count())

	seg1, ok := tcpip.ParseSegment(writer.packets[0])
	require.True(t, ok)
	assert.Len(t, seg1.Payload, tcpip.MSS)
	assert.Equal(t, uint32(2), seg1.Seq)

	seg2, ok := tcpip.ParseSegment(writer.packets[1])
	require.True(t, ok)
	assert.Len(t, seg2.Payload, 3000-tcpip.MSS)
	assert.Equal(t, uint32(2+tcpip.MSS), seg2.Seq)

	reassembled := append(append([]byte(nil), seg1.Payload...), seg2.Payload...)
	assert.Equal(t, payload, reassembled)

	f, ok := s.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, uint32(2+3000), f.OurSeq())
}

func TestHandleResponseDisconnectedRemovesFlow(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})
	s.HandleInbound(synSegment(54321, 443, 1000))

	id := FlowID(clientIP, 54321, serverIP, 443)
	writer.packets = nil
	s.HandleResponse(id, ResponseDisconnected, nil, "")

	_, ok := s.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, writer.count(), "no FIN by default (Open Question 1, default off)")

	// further segments on this 4-tuple are dropped silently
	s.HandleInbound(&tcpip.Segment{SrcIP: clientIP, SrcPort: 54321, DstIP: serverIP, DstPort: 443, Seq: 2000, Payload: []byte("x")})
	assert.Equal(t, 0, writer.count())
}

func TestHandleResponseDisconnectedSynthesizesFINWhenEnabled(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{SynthesizeFIN: true})
	s.HandleInbound(synSegment(54321, 443, 1000))

	id := FlowID(clientIP, 54321, serverIP, 443)
	writer.packets = nil
	s.HandleResponse(id, ResponseDisconnected, nil, "")

	require.Equal(t, 1, writer.count())
	seg, ok := tcpip.ParseSegment(writer.last())
	require.True(t, ok)
	assert.True(t, seg.FIN)
	assert.True(t, seg.ACK)
}

func TestHandleResponseDataForUnknownFlowDropped(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})

	s.HandleResponse("nope", ResponseData, []byte("x"), "")
	assert.Equal(t, 0, writer.count())
}

func TestHandleInboundClientFINSendsShutdownWrite(t *testing.T) {
	relay := &fakeRelay{}
	writer := &fakeWriter{}
	s := New(relay, writer, nil, Options{})
	s.HandleInbound(synSegment(54321, 443, 1000))

	finSeg := &tcpip.Segment{SrcIP: clientIP, SrcPort: 54321, DstIP: serverIP, DstPort: 443, Seq: 1001, ACK: true, FIN: true}
	s.HandleInbound(finSeg)

	require.Len(t, relay.shutdownWrite, 1)
	assert.Equal(t, FlowID(clientIP, 54321, serverIP, 443), relay.shutdownWrite[0])
}
