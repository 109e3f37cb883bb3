// Command rudp-client is a minimal demo that connects to an rudp-server,
// sends each line read from stdin, and disconnects on EOF.
package main

import (
	"bufio"
	"flag"
	"log"
	"os"
	"time"

	"github.com/gorudp/rudp/config"
	"github.com/gorudp/rudp/server"
)

func main() {
	var (
		remote   = flag.String("remote", "127.0.0.1:9899", "server address to connect to")
		selfPort = flag.Int("port", 0, "local port to bind (0 = ephemeral)")
		debug    = flag.Bool("debug", false, "log every received datagram")
	)
	flag.Parse()

	cfg := config.Default()

	listenAddr := ":0"
	if *selfPort != 0 {
		listenAddr = ":" + flag.Lookup("port").Value.String()
	}

	var connID uint32
	connected := make(chan bool, 1)

	srv, err := server.Listen(listenAddr, func(srv *server.Server, fromID uint32, segments []server.ReceivedSegment) {
		for _, seg := range segments {
			log.Printf("rudp-client: reply: %q", seg.Payload)
		}
	}, cfg.PoolSize, *debug)
	if err != nil {
		log.Fatalf("rudp-client: listen: %v", err)
	}
	defer srv.Close()

	closed := make(chan struct{})
	if err := srv.Connect(*remote, func(success bool, id uint32) {
		connID = id
		connected <- success
	}, func() {
		close(closed)
	}); err != nil {
		log.Fatalf("rudp-client: connect: %v", err)
	}

	select {
	case ok := <-connected:
		if !ok {
			log.Fatal("rudp-client: connect failed")
		}
	case <-time.After(5 * time.Second):
		log.Fatal("rudp-client: connect timed out")
	}
	log.Printf("rudp-client: connected, connection id %d", connID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		done := make(chan bool, 1)
		srv.Send(connID, []byte(line), func(ok bool) { done <- ok })
		select {
		case ok := <-done:
			if !ok {
				log.Println("rudp-client: send failed, connection closed")
				return
			}
		case <-time.After(10 * time.Second):
			log.Println("rudp-client: send timed out")
			return
		}
	}

	srv.Disconnect(connID)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
	}
}
