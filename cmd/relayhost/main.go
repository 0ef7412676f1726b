// Command relayhost runs the Relay Host: it accepts relay channel
// connections from Tunnel Endpoints, dials the real TCP sockets they
// ask for, and relays bytes back over the channel.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/vaagnavanesyan/tunec/internal/logging"
	"github.com/vaagnavanesyan/tunec/internal/relayserver"
)

type args struct {
	Port    int    `arg:"--port,env:PORT" help:"port to listen on" default:"3000"`
	Path    string `arg:"--path,env:TUNEC_PATH" help:"path the relay channel is served on" default:"/"`
	Verbose bool   `arg:"-v,--verbose,env:TUNEC_VERBOSE"`
}

func Main() error {
	var a args
	arg.MustParse(&a)

	log := logging.New(a.Verbose)

	srv := relayserver.New(log)

	addr := fmt.Sprintf(":%d", a.Port)
	log.Okf("relayhost: listening on %v, serving channel at %v", addr, a.Path)
	return http.ListenAndServe(addr, srv.Handler(a.Path))
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	if err := Main(); err != nil {
		log.Fatal(err)
	}
}
