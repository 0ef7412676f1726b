// Package synth implements the TCP synthesizer: the tunnel-side logic
// that fabricates the server half of every TCP connection seen on the
// virtual interface, keeping each flow's sequence/acknowledgment state
// and driving the relay channel client.
package synth

import (
	"net"

	"github.com/vaagnavanesyan/tunec/internal/logging"
	"github.com/vaagnavanesyan/tunec/internal/tcpip"
)

// RelayClient is the subset of internal/relayclient.Client the
// synthesizer depends on.
type RelayClient interface {
	// ConnectFlow blocks until Connected or Error (or the 10s timeout)
	// arrives for id, returning a non-nil error describing the failure
	// reason on anything but Connected.
	ConnectFlow(id, destIP string, destPort uint16) error
	SendData(id string, payload []byte)
	SendDisconnect(id string)
	SendShutdownWrite(id string)
}

// Writer is the virtual-interface write side the synthesizer emits
// synthesized segments to; implementations must serialize concurrent
// Write calls.
type Writer interface {
	Write(pkt []byte) error
}

// Options configures a Synthesizer.
type Options struct {
	// TunnelIP is the address configured on the virtual interface
	// (10.0.0.2).
	TunnelIP net.IP

	// SynthesizeFIN controls whether a FIN+ACK is emitted toward the
	// client before a Flow is removed on a relay Disconnected/Error
	// event. Off by default: most relay hosts tear down the flow
	// without the tunnel endpoint needing to mimic a clean four-way
	// close.
	SynthesizeFIN bool
}

// Synthesizer is the flow table plus the TCP synthesizer operations.
// The zero value is not usable; use New.
type Synthesizer struct {
	relay  RelayClient
	writer Writer
	log    *logging.Logger
	opts   Options

	flows flowTable
}

// New constructs a Synthesizer. log may be nil, in which case verbose
// logging is disabled (errors are still printed). relay may be nil if the relay client is not yet constructed
// (it typically needs a reference back to the Synthesizer); call
// SetRelay before HandleInbound is invoked.
func New(relay RelayClient, writer Writer, log *logging.Logger, opts Options) *Synthesizer {
	if log == nil {
		log = logging.New(false)
	}
	return &Synthesizer{relay: relay, writer: writer, log: log, opts: opts}
}

// SetRelay assigns the relay client used to drive flows. It exists to
// break the construction cycle between a Synthesizer and a relay
// client whose Handler needs to reference that same Synthesizer.
func (s *Synthesizer) SetRelay(relay RelayClient) {
	s.relay = relay
}

// HandleInbound dispatches an inbound segment read from the virtual
// interface to the appropriate synthesis case.
func (s *Synthesizer) HandleInbound(seg *tcpip.Segment) {
	id := FlowID(seg.SrcIP, seg.SrcPort, seg.DstIP, seg.DstPort)

	switch {
	case seg.SYN && !seg.ACK:
		s.handleSYN(id, seg)

	case len(seg.Payload) > 0:
		s.handlePayload(id, seg)

	default:
		// Case 4 (zero-payload ACK/window-update/FIN) and case 5 (no
		// matching flow for a payload-less segment) emit nothing toward
		// the client; the one exception is a FIN on a known flow, which
		// is forwarded to the relay as a half-close.
		if f, ok := s.flows.lookup(id); ok {
			s.maybeShutdownWrite(id, seg, f)
		}
	}
}

// handleSYN implements case 1 (pure SYN, no existing flow) and case 2
// (pure SYN, flow already exists — dropped as a duplicate).
func (s *Synthesizer) handleSYN(id string, seg *tcpip.Segment) {
	if _, exists := s.flows.lookup(id); exists {
		s.log.Verbosef("synth: duplicate SYN for %s, dropping", id)
		return
	}

	destIP := seg.DstIP.String()
	if err := s.relay.ConnectFlow(id, destIP, seg.DstPort); err != nil {
		s.log.Verbosef("synth: relay connect failed for %s: %v, dropping SYN", id, err)
		return
	}

	f := newFlow(id, seg.SrcIP, seg.SrcPort, seg.DstIP, seg.DstPort, seg.Seq)
	s.flows.store(id, f)

	synAck, err := tcpip.Build(tcpip.BuildOptions{
		SrcIP:   seg.DstIP,
		SrcPort: seg.DstPort,
		DstIP:   seg.SrcIP,
		DstPort: seg.SrcPort,
		Seq:     1,
		Ack:     f.AppSeq(),
		SYN:     true,
		ACK:     true,
	})
	if err != nil {
		s.log.Errorf("synth: error building SYN-ACK for %s: %v", id, err)
		return
	}

	if err := s.writer.Write(synAck); err != nil {
		s.log.Errorf("synth: error writing SYN-ACK for %s: %v", id, err)
	}
}

// handlePayload implements case 3: forward the payload and immediately
// emit an ACK-only segment to suppress client retransmission.
func (s *Synthesizer) handlePayload(id string, seg *tcpip.Segment) {
	f, ok := s.flows.lookup(id)
	if !ok {
		s.log.Verbosef("synth: payload for unknown flow %s, dropping", id)
		return
	}

	f.advanceAppSeq(seg.Seq, len(seg.Payload))
	s.relay.SendData(id, seg.Payload)

	ack, err := tcpip.Build(tcpip.BuildOptions{
		SrcIP:   seg.DstIP,
		SrcPort: seg.DstPort,
		DstIP:   seg.SrcIP,
		DstPort: seg.SrcPort,
		Seq:     f.OurSeq(),
		Ack:     f.AppSeq(),
		ACK:     true,
	})
	if err != nil {
		s.log.Errorf("synth: error building ACK for %s: %v", id, err)
		return
	}
	if err := s.writer.Write(ack); err != nil {
		s.log.Errorf("synth: error writing ACK for %s: %v", id, err)
	}
}

// maybeShutdownWrite forwards a payload-less client FIN to the relay as
// a half-close whenever one arrives on an Established flow; a
// retransmitted FIN is forwarded again.
func (s *Synthesizer) maybeShutdownWrite(id string, seg *tcpip.Segment, f *Flow) {
	if !seg.FIN {
		return
	}
	if f.State() != StateEstablished {
		return
	}
	s.relay.SendShutdownWrite(id)
}

// HandleResponse dispatches a frame arriving from the Relay Host to
// the matching synthesis case.
func (s *Synthesizer) HandleResponse(id string, kind ResponseKind, payload []byte, message string) {
	switch kind {
	case ResponseData:
		s.handleData(id, payload)
	case ResponseDisconnected, ResponseError:
		s.handleTeardown(id)
	case ResponseConnected:
		// Normally consumed by the pending connect waiter in the relay
		// client; if it reaches here it is ignored.
	}
}

// ResponseKind distinguishes the frame.Response tags the synthesizer
// reacts to, keeping this package independent of the wire frame type.
type ResponseKind int

const (
	ResponseConnected ResponseKind = iota
	ResponseData
	ResponseDisconnected
	ResponseError
)

// handleData splits payload into MSS-sized chunks, builds one PSH+ACK
// segment per chunk, and writes each in order, advancing ourSeq after
// each successful write.
func (s *Synthesizer) handleData(id string, payload []byte) {
	f, ok := s.flows.lookup(id)
	if !ok {
		s.log.Verbosef("synth: data response for unknown flow %s, dropping", id)
		return
	}

	if len(payload) == 0 {
		return
	}

	for off := 0; off < len(payload); off += tcpip.MSS {
		end := off + tcpip.MSS
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]

		seg, err := tcpip.Build(tcpip.BuildOptions{
			SrcIP:   f.ServerIP,
			SrcPort: f.ServerPort,
			DstIP:   f.ClientIP,
			DstPort: f.ClientPort,
			Seq:     f.OurSeq(),
			Ack:     f.AppSeq(),
			PSH:     true,
			ACK:     true,
			Payload: chunk,
		})
		if err != nil {
			s.log.Errorf("synth: error building data segment for %s: %v", id, err)
			return
		}
		if err := s.writer.Write(seg); err != nil {
			s.log.Errorf("synth: error writing data segment for %s: %v", id, err)
			return
		}
		f.advanceOurSeq(len(chunk))
	}
}

// handleTeardown removes the flow, optionally synthesizing a FIN first
// per Options.SynthesizeFIN.
func (s *Synthesizer) handleTeardown(id string) {
	f, ok := s.flows.loadAndDelete(id)
	if !ok {
		return
	}
	f.close()

	if !s.opts.SynthesizeFIN {
		return
	}

	seq := f.advanceOurSeq(1)
	fin, err := tcpip.Build(tcpip.BuildOptions{
		SrcIP:   f.ServerIP,
		SrcPort: f.ServerPort,
		DstIP:   f.ClientIP,
		DstPort: f.ClientPort,
		Seq:     seq,
		Ack:     f.AppSeq(),
		FIN:     true,
		ACK:     true,
	})
	if err != nil {
		s.log.Errorf("synth: error building FIN for %s: %v", id, err)
		return
	}
	if err := s.writer.Write(fin); err != nil {
		s.log.Errorf("synth: error writing FIN for %s: %v", id, err)
	}
}

// Shutdown clears the flow table, used by the tunnel endpoint's Stop
// path.
func (s *Synthesizer) Shutdown() {
	s.flows.clear()
}

// Lookup exposes flow lookup for tests and diagnostics.
func (s *Synthesizer) Lookup(id string) (*Flow, bool) {
	return s.flows.lookup(id)
}
