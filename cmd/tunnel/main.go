// Command tunnel runs the Tunnel Endpoint: it creates a virtual network
// interface, synthesizes the server side of every TCP connection
// initiated against it, and relays the real bytes to a Relay Host over
// a persistent websocket channel.
package main

import (
	"log"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/vaagnavanesyan/tunec/internal/logging"
	"github.com/vaagnavanesyan/tunec/internal/tunnel"
)

type args struct {
	RelayURL      string `arg:"--relay-url,env:TUNEC_RELAY_URL,required" help:"websocket URL of the relay channel endpoint"`
	Device        string `arg:"--device,env:TUNEC_DEVICE" help:"name of the TUN device to create" default:"tunec0"`
	Subnet        string `arg:"--subnet,env:TUNEC_SUBNET" help:"CIDR assigned to the TUN device" default:"10.0.0.2/24"`
	SynthesizeFIN bool   `arg:"--synthesize-fin,env:TUNEC_SYNTHESIZE_FIN" help:"emit a synthesized FIN toward the client when the relay tears a flow down"`
	Verbose       bool   `arg:"-v,--verbose,env:TUNEC_VERBOSE"`
}

func Main() error {
	var a args
	arg.MustParse(&a)

	log := logging.New(a.Verbose)

	ep := tunnel.New(tunnel.Config{
		RelayURL:      a.RelayURL,
		DeviceName:    a.Device,
		Subnet:        a.Subnet,
		TunnelIP:      "10.0.0.2",
		SynthesizeFIN: a.SynthesizeFIN,
	}, log)

	go func() {
		for state := range ep.States() {
			log.Okf("tunnel: %v", state)
		}
	}()

	return ep.Start()
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	if err := Main(); err != nil {
		log.Fatal(err)
	}
}
