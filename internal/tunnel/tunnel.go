// Package tunnel wires the virtual network interface, the TCP
// synthesizer, and the relay channel client together into the Tunnel
// Endpoint's lifecycle: dial the Relay Host, open the TUN device, and
// pump packets between them until told to stop.
package tunnel

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vaagnavanesyan/tunec/internal/link"
	"github.com/vaagnavanesyan/tunec/internal/logging"
	"github.com/vaagnavanesyan/tunec/internal/relayclient"
	"github.com/vaagnavanesyan/tunec/internal/synth"
	"github.com/vaagnavanesyan/tunec/internal/tcpip"
)

// State is the Tunnel Endpoint's published lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Config configures an Endpoint.
type Config struct {
	RelayURL string

	DeviceName string
	Subnet     string
	TunnelIP   string

	SynthesizeFIN bool
}

// Endpoint is the Tunnel Endpoint binary's core: virtual interface +
// synthesizer + relay channel client. The zero value is not usable;
// use New.
type Endpoint struct {
	cfg Config
	log *logging.Logger

	dev    *link.Device
	client *relayclient.Client
	synth  *synth.Synthesizer

	states chan State

	stopOnce sync.Once
	stopped  chan struct{}
}

// New constructs an Endpoint. log may be nil.
func New(cfg Config, log *logging.Logger) *Endpoint {
	if log == nil {
		log = logging.New(false)
	}
	return &Endpoint{
		cfg:     cfg,
		log:     log,
		states:  make(chan State, 8),
		stopped: make(chan struct{}),
	}
}

// States returns the channel of lifecycle state transitions. Callers
// must drain it; it is buffered but not unbounded.
func (e *Endpoint) States() <-chan State {
	return e.states
}

// Start opens the virtual interface, dials the relay channel, and
// begins pumping packets. It blocks until the virtual interface's read
// loop exits (normally only on Stop or a fatal device error).
func (e *Endpoint) Start() error {
	e.publish(StateConnecting)

	dev, err := link.Open(link.Config{
		Name:    e.cfg.DeviceName,
		Subnet:  e.cfg.Subnet,
		Gateway: e.cfg.TunnelIP,
	})
	if err != nil {
		e.publish(StateError)
		return fmt.Errorf("tunnel: opening virtual interface: %w", err)
	}
	e.dev = dev

	s := synth.New(nil, dev, e.log, synth.Options{SynthesizeFIN: e.cfg.SynthesizeFIN})
	e.synth = s

	handler := &responseHandler{synth: s}
	dialer := &websocket.Dialer{NetDialContext: link.ProtectedDialer().DialContext}
	client, err := relayclient.Dial(e.cfg.RelayURL, dialer, handler, e.log)
	if err != nil {
		dev.Close()
		e.publish(StateError)
		return fmt.Errorf("tunnel: dialing relay channel: %w", err)
	}
	e.client = client

	// the synthesizer needs the relay client, but the relay client's
	// handler needs the synthesizer; break the cycle by constructing
	// the synthesizer with no relay client and setting it here once
	// both exist.
	s.SetRelay(client)

	e.publish(StateConnected)

	err = dev.ReadLoop(func(pkt []byte) {
		seg, ok := tcpip.ParseSegment(pkt)
		if !ok {
			return
		}
		s.HandleInbound(seg)
	})

	select {
	case <-e.stopped:
		e.publish(StateDisconnected)
		return nil
	default:
		e.publish(StateError)
		return fmt.Errorf("tunnel: virtual interface read loop exited: %w", err)
	}
}

// Stop tears down the virtual interface, relay channel, and flow table,
// in that order: closing the device first unblocks the read loop's
// blocking Read before anything downstream of it is torn down, so a
// packet arriving just before Stop can't open a new flow against an
// already-closed relay client. Idempotent.
func (e *Endpoint) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		if e.dev != nil {
			e.dev.Close()
		}
		if e.client != nil {
			e.client.Close()
		}
		if e.synth != nil {
			e.synth.Shutdown()
		}
	})
}

func (e *Endpoint) publish(s State) {
	select {
	case e.states <- s:
	default:
		e.log.Verbosef("tunnel: state channel full, dropping %v transition", s)
	}
}

// responseHandler adapts relayclient.Handler to synth.Synthesizer's
// response-side API.
type responseHandler struct {
	synth *synth.Synthesizer
}

func (h *responseHandler) HandleData(id string, payload []byte) {
	h.synth.HandleResponse(id, synth.ResponseData, payload, "")
}

func (h *responseHandler) HandleDisconnected(id string) {
	h.synth.HandleResponse(id, synth.ResponseDisconnected, nil, "")
}

func (h *responseHandler) HandleError(id, message string) {
	h.synth.HandleResponse(id, synth.ResponseError, nil, message)
}
