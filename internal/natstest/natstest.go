// Package natstest starts an embedded JetStream-enabled NATS server for tests.
package natstest

import (
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// RunServer starts a throwaway server on a random port and stops it when t ends.
func RunServer(t testing.TB) *server.Server {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()

	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

// Connect dials s and closes the connection when t ends.
func Connect(t testing.TB, s *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect to embedded nats: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// JetStream returns a JetStream context on a fresh connection to s.
func JetStream(t testing.TB, s *server.Server) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()

	nc := Connect(t, s)
	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream context: %v", err)
	}
	return nc, js
}
