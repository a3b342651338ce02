package websocket

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// clientHandshake sends an opening handshake over c and returns the
// status of the response.
func clientHandshake(c net.Conn, valid bool) (int, error) {
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Scheme: "http", Host: "example.com", Path: "/chat"},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Host:       "example.com",
		Header:     make(http.Header),
	}
	if valid {
		req.Header.Set(headerUpgrade, "websocket")
		req.Header.Set(headerConn, "Upgrade")
		req.Header.Set(headerSecWsVersion, "13")
		req.Header.Set(headerSecWsKey, newSecWsKey())
	}

	if err := req.Write(c); err != nil {
		return 0, err
	}
	res, err := http.ReadResponse(bufio.NewReader(c), req)
	if err != nil {
		return 0, err
	}
	return res.StatusCode, nil
}

func TestQueueRejectsWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationQueueCapacity = 2
	cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	q := NewNegotiationQueue(cfg)

	var clients []net.Conn
	for i := range 2 {
		server, client := net.Pipe()
		defer client.Close()
		clients = append(clients, client)

		if err := q.Submit(server); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}

	server, client := net.Pipe()
	defer client.Close()

	start := time.Now()
	err := q.Submit(server)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() error = %v, ERROR expected ErrQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Submit() took %s, ERROR expected an immediate rejection", elapsed)
	}
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("rejected socket Read() error = %v, ERROR expected io.EOF", err)
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, ERROR expected 2", q.Len())
	}
	if rejected := testutil.ToFloat64(cfg.Metrics.queueRejections); rejected != 1 {
		t.Errorf("rejections = %v, ERROR expected 1", rejected)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	statuses := make(chan int, 2)
	for i, c := range clients {
		go func() {
			status, err := clientHandshake(c, i == 0)
			if err != nil {
				t.Errorf("handshake %d error = %v", i, err)
			}
			statuses <- status
		}()
	}

	conn, err := q.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !conn.IsConnected() {
		t.Errorf("IsConnected() = false, ERROR expected an open connection")
	}

	got := map[int]bool{<-statuses: true, <-statuses: true}
	if !got[http.StatusSwitchingProtocols] || !got[http.StatusBadRequest] {
		t.Errorf("statuses = %v, ERROR expected 101 and 400", got)
	}

	_ = clients[0].Close()
	_ = conn.Close()

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, ERROR expected context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop")
	}

	if q.Len() != 0 {
		t.Errorf("Len() = %d, ERROR expected 0", q.Len())
	}
	if ok := testutil.ToFloat64(cfg.Metrics.negotiations.WithLabelValues("ok")); ok != 1 {
		t.Errorf("successful negotiations = %v, ERROR expected 1", ok)
	}
}

func TestQueueSlowClientDoesNotBlockOthers(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationTimeout = 300 * time.Millisecond
	cfg.NegotiationParallelism = 2
	q := NewNegotiationQueue(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx) }()

	// never sends a request
	slowServer, slowClient := net.Pipe()
	defer slowClient.Close()
	if err := q.Submit(slowServer); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	server, client := net.Pipe()
	defer client.Close()
	if err := q.Submit(server); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	go func() { _, _ = clientHandshake(client, true) }()

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 2*time.Second)
	defer acceptCancel()

	conn, err := q.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if _, err := slowClient.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("slow socket Read() error = %v, ERROR expected the socket to be closed", err)
	}

	_ = client.Close()
	_ = conn.Close()
}

func TestQueueAcceptCancelled(t *testing.T) {
	q := NewNegotiationQueue(testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Accept(ctx)
	if !IsCancelled(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Accept() error = %v, ERROR expected a cancellation", err)
	}
}

func TestQueueRunTwice(t *testing.T) {
	q := NewNegotiationQueue(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Run(ctx); !errors.Is(err, errQueueRunning) {
		t.Errorf("Run() error = %v, ERROR expected errQueueRunning", err)
	}

	cancel()
	<-done

	server, client := net.Pipe()
	defer client.Close()
	if err := q.Submit(server); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Run error = %v, ERROR expected ErrClosed", err)
	}
}

func TestQueueSubmitDuringShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.NegotiationQueueCapacity = 64
	cfg.NegotiationTimeout = 200 * time.Millisecond
	q := NewNegotiationQueue(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- q.Run(ctx) }()

	var wg sync.WaitGroup
	clients := make(chan net.Conn, 32)
	for i := range 32 {
		server, client := net.Pipe()
		clients <- client
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i == 16 {
				cancel()
			}
			if err := q.Submit(server); err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("Submit(%d) error = %v", i, err)
			}
		}()
	}
	wg.Wait()
	close(clients)

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop")
	}

	if q.Len() != 0 {
		t.Errorf("Len() = %d, ERROR expected every socket to be released", q.Len())
	}
	for client := range clients {
		_ = client.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			t.Errorf("socket Read() error = %v, ERROR expected the socket to be closed", err)
		}
		_ = client.Close()
	}
}

func TestServerServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	srv := NewServer(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	go func() {
		conn, err := srv.Accept(ctx)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.NextMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()

	d := &Dialer{Config: testConfig()}
	c, err := d.Dial("ws://"+ln.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := c.WriteMessage(BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	_, data, err := c.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage() error = %v", err)
	}
	if string(data) != "\x01\x02\x03" {
		t.Errorf("NextMessage() = % X, ERROR expected 01 02 03", data)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve() did not stop")
	}
}
