// Command rudp-server is a minimal demo that listens for RUDP
// connections and logs every payload it receives.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorudp/rudp/config"
	"github.com/gorudp/rudp/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		port       = flag.Int("port", 0, "listen port (overrides config's listen_addr port)")
		debug      = flag.Bool("debug", false, "log every received datagram (overrides config's debug)")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.ReadConfig(*configPath)
		if err != nil {
			log.Fatalf("rudp-server: reading config: %v", err)
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.ListenAddr = ":" + strconv.Itoa(*port)
	}
	if *debug {
		cfg.Debug = true
	}

	srv, err := server.Listen(cfg.ListenAddr, onReceive, cfg.PoolSize, cfg.Debug)
	if err != nil {
		log.Fatalf("rudp-server: listen on %s: %v", cfg.ListenAddr, err)
	}
	log.Printf("rudp-server: listening on %s", srv.LocalAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Println("rudp-server: shutting down")
	if err := srv.Close(); err != nil {
		log.Printf("rudp-server: close: %v", err)
	}
}

func onReceive(srv *server.Server, connID uint32, segments []server.ReceivedSegment) {
	for _, seg := range segments {
		log.Printf("rudp-server: connection %d: %d bytes: %q", connID, len(seg.Payload), seg.Payload)
	}
}
