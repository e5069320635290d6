package endpoint_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/AJMHPC/conman/codec"
	"github.com/AJMHPC/conman/endpoint"
)

func TestJournaledSendTracksFreeSpaceAndIdle(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Kill()

	j, err := endpoint.NewJournaled(server, t.TempDir())
	if err != nil {
		t.Fatalf("NewJournaled: %v", err)
	}
	defer j.Kill()

	if !j.Idle() {
		t.Fatalf("expected freshly wrapped endpoint to be idle")
	}
	before := j.FreeSpace()

	readDone := make(chan error, 2)
	go func() {
		if _, err := client.AwaitMessage(5 * time.Second); err != nil {
			readDone <- err
			return
		}
		_, err := client.AwaitMessage(5 * time.Second)
		readDone <- err
	}()

	// The server/coordinator side excludes the first outstanding message
	// from its accounting (the reactive peer always drains it immediately),
	// so free space is unaffected until a second message is outstanding.
	if err := j.Send("job-1"); err != nil {
		t.Fatalf("Send job-1: %v", err)
	}
	if j.Idle() {
		t.Fatalf("expected endpoint to be busy after an unanswered send")
	}
	if j.FreeSpace() != before {
		t.Fatalf("expected free space unaffected by the first outstanding message: before=%d after=%d", before, j.FreeSpace())
	}

	if err := j.Send("job-2"); err != nil {
		t.Fatalf("Send job-2: %v", err)
	}
	if j.FreeSpace() >= before {
		t.Fatalf("expected free space to shrink once a second message is outstanding: before=%d after=%d", before, j.FreeSpace())
	}

	for i := 0; i < 2; i++ {
		if err := <-readDone; err != nil {
			t.Fatalf("client AwaitMessage: %v", err)
		}
	}

	sendDone := make(chan error, 2)
	go func() { sendDone <- client.Send("result-1") }()
	if _, err := j.AwaitMessage(5 * time.Second); err != nil {
		t.Fatalf("AwaitMessage 1: %v", err)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("client Send result-1: %v", err)
	}

	go func() { sendDone <- client.Send("result-2") }()
	if _, err := j.AwaitMessage(5 * time.Second); err != nil {
		t.Fatalf("AwaitMessage 2: %v", err)
	}
	if err := <-sendDone; err != nil {
		t.Fatalf("client Send result-2: %v", err)
	}

	if !j.Idle() {
		t.Fatalf("expected endpoint to be idle again after both replies were retired")
	}
	if j.FreeSpace() != before {
		t.Fatalf("expected free space to be restored: before=%d after=%d", before, j.FreeSpace())
	}
}

func TestJournaledMessagesReturnsOutstandingJobs(t *testing.T) {
	client, server := dialPipe(t)
	defer client.Kill()

	j, err := endpoint.NewJournaled(server, t.TempDir())
	if err != nil {
		t.Fatalf("NewJournaled: %v", err)
	}
	defer j.Kill()

	readDone := make(chan error, 2)
	go func() {
		if _, err := client.AwaitMessage(5 * time.Second); err != nil {
			readDone <- err
			return
		}
		_, err := client.AwaitMessage(5 * time.Second)
		readDone <- err
	}()

	if err := j.Send("job-a"); err != nil {
		t.Fatalf("Send job-a: %v", err)
	}
	if err := j.Send("job-b"); err != nil {
		t.Fatalf("Send job-b: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-readDone; err != nil {
			t.Fatalf("client AwaitMessage: %v", err)
		}
	}

	msgs, err := j.JournaledMessages()
	if err != nil {
		t.Fatalf("JournaledMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].(string) != "job-a" || msgs[1].(string) != "job-b" {
		t.Fatalf("unexpected journaled messages: %v", msgs)
	}
}

// TestJournaledAwaitMessageTimesOutOnStalledWorker simulates a worker that
// writes a partial frame and then stalls without closing its socket — a
// network partition or a hung process, distinct from a clean crash, which
// surfaces as EOF instead. AwaitMessage's read deadline must still fire
// and surface an error so the caller can purge the worker.
func TestJournaledAwaitMessageTimesOutOnStalledWorker(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server, err := endpoint.Accept(serverConn, endpoint.WithHandshake(false))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	j, err := endpoint.NewJournaled(server, t.TempDir())
	if err != nil {
		t.Fatalf("NewJournaled: %v", err)
	}
	defer j.Kill()

	go func() {
		// Promise a 100-byte frame body, then never send it.
		var sizeBuf [8]byte
		binary.LittleEndian.PutUint64(sizeBuf[:], 100)
		clientConn.Write(sizeBuf[:])
	}()

	const timeout = 150 * time.Millisecond
	start := time.Now()
	if _, err := j.AwaitMessage(timeout); err == nil {
		t.Fatalf("expected an error reading a stalled partial frame")
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Fatalf("AwaitMessage returned before its deadline elapsed: %s", elapsed)
	}
}

// TestHandshakeDisabledSkipsNegotiationAndReplaysPrepackedJobs exercises the
// handshake-disabled fast path end to end: Send accepts a pre-encoded
// codec.EncodedPayload without re-marshalling it, and a journaled entry
// comes back from JournaledMessages as the same EncodedPayload rather than
// a decoded value.
func TestHandshakeDisabledSkipsNegotiationAndReplaysPrepackedJobs(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	server, err := endpoint.Accept(serverConn, endpoint.WithHandshake(false))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if server.HandshakeEnabled() {
		t.Fatalf("expected handshake to be disabled")
	}

	j, err := endpoint.NewJournaled(server, t.TempDir())
	if err != nil {
		t.Fatalf("NewJournaled: %v", err)
	}
	defer j.Kill()

	payload, h, err := codec.Encode("prepacked-job", codec.EncodeOptions{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	ep := codec.EncodedPayload{Header: h, Payload: payload}

	readDone := make(chan error, 1)
	go func() {
		client, err := endpoint.NewClient(clientConn, endpoint.WithHandshake(false))
		if err != nil {
			readDone <- err
			return
		}
		_, err = client.AwaitMessage(5 * time.Second)
		readDone <- err
	}()

	if err := j.Send(ep); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-readDone; err != nil {
		t.Fatalf("client AwaitMessage: %v", err)
	}

	msgs, err := j.JournaledMessages()
	if err != nil {
		t.Fatalf("JournaledMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 journaled message, got %d", len(msgs))
	}
	got, ok := msgs[0].(codec.EncodedPayload)
	if !ok {
		t.Fatalf("expected an EncodedPayload, got %T", msgs[0])
	}
	if string(got.Payload) != string(ep.Payload) {
		t.Fatalf("journaled payload mismatch: got %q want %q", got.Payload, ep.Payload)
	}
}
