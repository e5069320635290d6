package endpoint_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/AJMHPC/conman/endpoint"
	"github.com/AJMHPC/conman/protocol"
)

// dialPipe performs the handshake over a net.Pipe pair, since endpoint.Dial
// always opens a real TCP connection and these tests want a deterministic,
// in-memory stream instead.
func dialPipe(t *testing.T) (client *endpoint.Endpoint, server *endpoint.Endpoint) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type result struct {
		e   *endpoint.Endpoint
		err error
	}
	serverCh := make(chan result, 1)
	clientCh := make(chan result, 1)

	go func() {
		e, err := endpoint.Accept(serverConn)
		serverCh <- result{e, err}
	}()
	go func() {
		e, err := endpoint.NewClient(clientConn)
		clientCh <- result{e, err}
	}()

	sr := <-serverCh
	cr := <-clientCh
	if sr.err != nil {
		t.Fatalf("Accept: %v", sr.err)
	}
	if cr.err != nil {
		t.Fatalf("NewClient: %v", cr.err)
	}
	return cr.e, sr.e
}

func TestHandshakeNegotiatesVersions(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Kill()
	defer server.Kill()

	if client.Descriptor().SerializerVersion != protocol.CurrentSerializerVersion {
		t.Fatalf("unexpected serializer version: %+v", client.Descriptor())
	}
	if client.RemoteReceiveBufferSize() != endpoint.DefaultReceiveBufferSize {
		t.Fatalf("unexpected remote buffer size: %d", client.RemoteReceiveBufferSize())
	}
}

func TestSendAwaitMessageRoundTrip(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Kill()
	defer server.Kill()

	done := make(chan error, 1)
	go func() {
		v, err := server.AwaitMessage(5 * time.Second)
		if err != nil {
			done <- err
			return
		}
		s, ok := v.(string)
		if !ok || s != "ping" {
			done <- errors.New("unexpected payload")
			return
		}
		done <- server.Send("pong")
	}()

	if err := client.Send("ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	v, err := client.AwaitMessage(5 * time.Second)
	if err != nil {
		t.Fatalf("AwaitMessage: %v", err)
	}
	if v.(string) != "pong" {
		t.Fatalf("got %v", v)
	}
	if err := <-done; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

func TestKillDeliversKillSignal(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Kill()

	done := make(chan error, 1)
	go func() {
		_, err := server.AwaitMessage(5 * time.Second)
		done <- err
	}()

	if err := client.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	err := <-done
	if !errors.Is(err, protocol.ErrKillSignal) {
		t.Fatalf("expected ErrKillSignal, got %v", err)
	}
}

func TestPollReportsNoDataWhenIdle(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Kill()
	defer server.Kill()

	if client.Poll(0) {
		t.Fatalf("expected no readable data on an idle connection")
	}
	if !client.IsAlive() {
		t.Fatalf("expected idle connection to report alive")
	}
}
