// Package link owns the virtual network interface the Tunnel Endpoint
// reads synthesized server-side traffic from and writes synthesized
// segments to. It wraps a github.com/songgao/water TUN device and the
// github.com/vishvananda/netlink calls needed to bring it up, assign it
// an address, and route all traffic through it.
package link

import (
	"fmt"
	"net"
	"sync"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// Config describes how to create and configure the TUN device.
type Config struct {
	// Name is the device name to request from the kernel.
	Name string

	// Subnet is the CIDR assigned to the device, e.g. "10.0.0.2/24".
	Subnet string

	// Gateway, if non-empty, is installed as the default route pointing
	// at this device. Typically the tunnel's own address.
	Gateway string
}

// Device is a configured TUN device. The zero value is not usable; use
// Open. A Device implements synth.Writer: Write serializes concurrent
// callers behind a single mutex, matching the one-writer-at-a-time
// discipline the synthesizer depends on.
type Device struct {
	iface *water.Interface
	name  string

	mu sync.Mutex
}

// Open creates the TUN device described by cfg, brings up its link, and
// assigns the configured address and default route.
func Open(cfg Config) (*Device, error) {
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("link: creating tun device %q: %w", cfg.Name, err)
	}

	d := &Device{iface: iface, name: cfg.Name}

	if err := d.configure(cfg); err != nil {
		iface.Close()
		return nil, err
	}

	return d, nil
}

func (d *Device) configure(cfg Config) error {
	l, err := netlink.LinkByName(cfg.Name)
	if err != nil {
		return fmt.Errorf("link: finding link %q: %w", cfg.Name, err)
	}

	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("link: bringing up %q: %w", cfg.Name, err)
	}

	addr, err := netlink.ParseAddr(cfg.Subnet)
	if err != nil {
		return fmt.Errorf("link: parsing subnet %q: %w", cfg.Subnet, err)
	}
	if err := netlink.AddrAdd(l, addr); err != nil {
		return fmt.Errorf("link: assigning %q to %q: %w", cfg.Subnet, cfg.Name, err)
	}

	if cfg.Gateway == "" {
		return nil
	}

	gw := net.ParseIP(cfg.Gateway)
	if gw == nil {
		return fmt.Errorf("link: invalid gateway %q", cfg.Gateway)
	}

	catchall, err := netlink.ParseIPNet("0.0.0.0/0")
	if err != nil {
		return fmt.Errorf("link: parsing default route destination: %w", err)
	}

	if err := netlink.RouteAdd(&netlink.Route{Dst: catchall, Gw: gw}); err != nil {
		return fmt.Errorf("link: adding default route via %q: %w", cfg.Gateway, err)
	}

	return nil
}

// Write sends a single synthesized IPv4 datagram out the TUN device.
func (d *Device) Write(pkt []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.iface.Write(pkt); err != nil {
		return fmt.Errorf("link: write to %q: %w", d.name, err)
	}
	return nil
}

// ReadLoop reads raw datagrams off the device until it errors or stops
// returning reads, passing each to fn. fn is called synchronously on
// the caller's goroutine, matching the single virtual-interface reader
// the Tunnel Endpoint runs.
func (d *Device) ReadLoop(fn func(pkt []byte)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := d.iface.Read(buf)
		if err != nil {
			return fmt.Errorf("link: read from %q: %w", d.name, err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		fn(pkt)
	}
}

// Close releases the underlying device.
func (d *Device) Close() error {
	return d.iface.Close()
}
