// Package tcpip parses and builds the IPv4/TCP segments that cross the
// virtual network interface. It is the wire-format half of the TCP
// synthesizer: checksums, header layout, and the identification counter
// all live here so internal/synth only has to reason about sequence
// numbers and flow state.
package tcpip

import (
	"net"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// MSS is the maximum TCP payload per emitted segment: MTU 1500 minus
	// a 20-byte IPv4 header minus a 20-byte TCP header, no options.
	MSS = 1460

	// AdvertisedWindow is the constant TCP window advertised on every
	// synthesized segment.
	AdvertisedWindow = 65535

	// TTL is the IPv4 TTL placed on every synthesized datagram.
	TTL = 64
)

// identification is the process-wide 16-bit IPv4 identification counter,
// incremented for every outbound synthesized datagram.
var identification uint32

func nextIdentification() uint16 {
	return uint16(atomic.AddUint32(&identification, 1) & 0xffff)
}

// Segment is the abstracted view of an inbound or outbound IPv4/TCP
// segment used throughout the synthesizer.
type Segment struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	SYN     bool
	ACK     bool
	FIN     bool
	RST     bool
	PSH     bool
	Payload []byte
}

// ParseSegment parses an inbound packet into a Segment. It returns
// ok=false for anything that is not a well-formed IPv4/TCP packet;
// non-TCP and non-IPv4 packets are silently dropped by the caller.
func ParseSegment(raw []byte) (*Segment, bool) {
	if len(raw) < 20 {
		return nil, false
	}

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipv4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, false
	}
	if ipv4.Version != 4 || ipv4.Protocol != layers.IPProtocolTCP {
		return nil, false
	}
	if int(ipv4.Length) < int(ipv4.IHL)*4+20 {
		return nil, false
	}

	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil, false
	}

	return &Segment{
		SrcIP:   ipv4.SrcIP,
		DstIP:   ipv4.DstIP,
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		SYN:     tcp.SYN,
		ACK:     tcp.ACK,
		FIN:     tcp.FIN,
		RST:     tcp.RST,
		PSH:     tcp.PSH,
		Payload: tcp.Payload,
	}, true
}

// BuildOptions describes the segment Build constructs. SrcIP/SrcPort are
// the synthesized server's address (the original destination); DstIP/
// DstPort are the client app's address (the original source).
type BuildOptions struct {
	SrcIP   net.IP
	SrcPort uint16
	DstIP   net.IP
	DstPort uint16
	Seq     uint32
	Ack     uint32
	SYN     bool
	ACK     bool
	FIN     bool
	RST     bool
	PSH     bool
	Payload []byte
}

// Build serializes opts into a complete IPv4/TCP datagram with valid
// checksums, using a fixed 20-byte IPv4 header and a fixed 20-byte TCP
// header (no options).
func Build(opts BuildOptions) ([]byte, error) {
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(opts.SrcPort),
		DstPort: layers.TCPPort(opts.DstPort),
		Seq:     opts.Seq,
		Ack:     opts.Ack,
		SYN:     opts.SYN,
		ACK:     opts.ACK,
		FIN:     opts.FIN,
		RST:     opts.RST,
		PSH:     opts.PSH,
		Window:  AdvertisedWindow,
	}

	ip4 := layers.IPv4{
		Version:  4, // indicates IPv4
		TTL:      TTL,
		Id:       nextIdentification(),
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    opts.SrcIP,
		DstIP:    opts.DstIP,
	}

	if err := tcp.SetNetworkLayerForChecksum(&ip4); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	serializeOpts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	payload := gopacket.Payload(opts.Payload)
	if err := gopacket.SerializeLayers(buf, serializeOpts, &ip4, &tcp, payload); err != nil {
		return nil, err
	}

	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
