package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRecorderKeepsOrder(t *testing.T) {
	r := &Recorder{}
	for _, typ := range []string{"provisioned", "stopped", "deleted"} {
		if err := r.Publish(context.Background(), Event{Type: typ}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := r.Types()
	if len(got) != 3 || got[0] != "provisioned" || got[2] != "deleted" {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestNatsPublisherUnreachable(t *testing.T) {
	if _, err := NewNatsPublisher("nats://127.0.0.1:1", zerolog.Nop()); err == nil {
		t.Fatalf("connect to a closed port must fail")
	}
	var p NatsPublisher
	if err := p.Publish(context.Background(), Event{Type: "x"}); err == nil {
		t.Fatalf("publish without a connection must fail")
	}
}

// natsStub speaks just enough of the NATS client protocol to accept one
// connection and record published messages.
type natsStub struct {
	ln   net.Listener
	mu   sync.Mutex
	msgs []Event
}

func startNatsStub(t *testing.T) *natsStub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &natsStub{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *natsStub) url() string { return "nats://" + s.ln.Addr().String() }

func (s *natsStub) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	port := s.ln.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(conn, "INFO {\"server_id\":\"stub\",\"version\":\"2.10.0\",\"host\":\"127.0.0.1\",\"port\":%d,\"headers\":true,\"max_payload\":1048576,\"proto\":1}\r\n", port)
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "PING":
			_, _ = io.WriteString(conn, "PONG\r\n")
		case "PUB":
			n, _ := strconv.Atoi(fields[len(fields)-1])
			payload := make([]byte, n+2)
			if _, err := io.ReadFull(r, payload); err != nil {
				return
			}
			var ev Event
			_ = json.Unmarshal(payload[:n], &ev)
			s.mu.Lock()
			s.msgs = append(s.msgs, ev)
			s.mu.Unlock()
		}
	}
}

func (s *natsStub) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.msgs...)
}

func TestNatsPublisherCloseFlushesEvents(t *testing.T) {
	stub := startNatsStub(t)
	p, err := NewNatsPublisher(stub.url(), zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if err := p.Publish(context.Background(), Event{Type: "start", MachineDocID: uint(i + 1)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("close did not return")
	}

	got := stub.received()
	if len(got) != n {
		t.Fatalf("expected %d events before close returned, got %d", n, len(got))
	}
	if got[n-1].MachineDocID != n || got[0].Type != "start" {
		t.Fatalf("unexpected events %+v ... %+v", got[0], got[n-1])
	}
	if err := p.Publish(context.Background(), Event{Type: "late"}); err == nil {
		t.Fatalf("publish after close must fail")
	}
}
