// Command zhttpconn runs the per-connection HTTP/1.1 + WebSocket bridge:
// a TCP/TLS listener per mode (request, streaming), each accepted
// connection handed to a fresh connreq.Driver or connstream.Driver. The
// real ZHTTP backend lives behind a message bus this binary doesn't
// speak to directly; it wires its Out channel to a minimal loopback
// stand-in (backend.go) so the bridge can be run and exercised without
// one.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zhttpbridge/internal/config"
	"zhttpbridge/internal/connid"
	"zhttpbridge/internal/connreq"
	"zhttpbridge/internal/connstream"
	"zhttpbridge/internal/dispatch"
	"zhttpbridge/internal/zhttp"
)

func main() {
	var (
		reqAddr     = flag.String("req-listen", ":8080", "TCP address for request-mode connections")
		streamAddr  = flag.String("stream-listen", ":8081", "TCP address for streaming-mode connections")
		metricsAddr = flag.String("metrics", "127.0.0.1:9090", "TCP address for Prometheus /metrics")
		certFile    = flag.String("cert", "", "TLS certificate PEM (enables TLS on both listeners if set with -key)")
		keyFile     = flag.String("key", "", "TLS private key PEM")
	)
	flag.Parse()

	limits := config.Default()
	instanceID := uuid.NewString()
	table := dispatch.New(limits.InboundChannelSize)
	out := make(chan zhttp.Envelope, limits.OutboundChannelSize)
	go loopbackBackend(out, table, instanceID)

	go serveMetrics(*metricsAddr)

	var tlsConf *tls.Config
	secure := *certFile != "" && *keyFile != ""
	if secure {
		cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
		if err != nil {
			log.Fatalf("load TLS keypair: %v", err)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	ids := connid.NewProvider()

	go runListener(*reqAddr, tlsConf, func(conn net.Conn) {
		d := &connreq.Driver{
			Conn:       conn,
			Secure:     secure,
			InstanceID: instanceID,
			Limits:     limits,
			Out:        out,
			Dispatch:   table,
			NewID:      uuid.NewString,
		}
		if err := d.Run(context.Background()); err != nil {
			log.Printf("req conn %s: %v", conn.RemoteAddr(), err)
		}
		_ = conn.Close()
	})

	log.Printf("request-mode listening on %s, streaming-mode on %s", *reqAddr, *streamAddr)
	runListener(*streamAddr, tlsConf, func(conn net.Conn) {
		d := &connstream.Driver{
			Conn:          conn,
			Secure:        secure,
			InstanceID:    instanceID,
			Limits:        limits,
			Out:           out,
			Dispatch:      table,
			IDs:           ids,
			InitialTarget: []byte("zhttp-handler"),
		}
		if err := d.Run(context.Background()); err != nil {
			log.Printf("stream conn %s: %v", conn.RemoteAddr(), err)
		}
		_ = conn.Close()
	})
}

// runListener accepts connections on addr (TLS-wrapped if tlsConf is
// non-nil), running handle in its own goroutine per connection. It never
// returns except on a fatal listener error.
func runListener(addr string, tlsConf *tls.Config, handle func(net.Conn)) {
	var ln net.Listener
	var err error
	if tlsConf != nil {
		ln, err = tls.Listen("tcp", addr, tlsConf)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("accept on %s: %v", addr, err)
			continue
		}
		go handle(conn)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("metrics listening on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Printf("metrics server error: %v", err)
	}
}
