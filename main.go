// ircsky is an IRC server bridging the psky chat network. Rooms on the
// network appear as channels, users appear under their verified handles, and
// the jetstream firehose provides the traffic. Clients that log in with their
// handle and an app password can speak; everyone else reads.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
)

// Args are command line arguments.
type Args struct {
	ConfigFile string
}

func main() {
	log.SetFlags(0)

	args, err := getArgs()
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := loadConfig(args.ConfigFile)
	if err != nil {
		log.Fatalf("Error loading config: %s", err)
	}

	ircsky := NewIrcsky(cfg)

	tlsConfig, err := cfg.IRC.TLS.ServerTLS()
	if err != nil {
		log.Fatalf("Error setting up TLS: %s", err)
	}

	go ircsky.startJetstream()

	addr := fmt.Sprintf("%s:%d", cfg.IRC.Host, cfg.IRC.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Error listening on %s: %s", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	log.Printf("ircsky listening on %s", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("Error accepting connection: %s", err)
		}
		go NewIRCClient(ircsky, conn).run()
	}
}

func getArgs() (*Args, error) {
	configFile := flag.String("conf", "config.yaml", "Configuration file.")

	flag.Parse()

	if len(*configFile) == 0 {
		flag.PrintDefaults()
		return nil, fmt.Errorf("you must provide a configuration file")
	}

	return &Args{ConfigFile: *configFile}, nil
}
