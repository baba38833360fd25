package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"netplay64/internal/packet"
)

func pipeTCP(t *testing.T) (client, server *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	var srv net.Conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv, _ = ln.Accept()
	}()

	cli, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	wg.Wait()

	return cli.(*net.TCPConn), srv.(*net.TCPConn)
}

func TestSendReceiveFramedPacket(t *testing.T) {
	cliTCP, srvTCP := pipeTCP(t)
	defer cliTCP.Close()
	defer srvTCP.Close()

	received := make(chan string, 4)
	server := New(srvTCP, func(p *packet.Packet, reliable bool) {
		s, _ := p.ReadString()
		received <- s
	}, func(err error) {})
	go server.ReadLoopTCP()

	client := New(cliTCP, func(p *packet.Packet, reliable bool) {}, func(err error) {})

	msg := packet.New(nil)
	msg.WriteString("hello room")
	if err := client.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello room" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestZeroLengthFrameIsSkipped(t *testing.T) {
	cliTCP, srvTCP := pipeTCP(t)
	defer cliTCP.Close()
	defer srvTCP.Close()

	received := make(chan string, 4)
	server := New(srvTCP, func(p *packet.Packet, reliable bool) {
		s, _ := p.ReadString()
		received <- s
	}, func(err error) {})
	go server.ReadLoopTCP()

	client := New(cliTCP, func(p *packet.Packet, reliable bool) {}, func(err error) {})

	// Manually write a zero-length frame followed by a real one.
	client.mu.Lock()
	client.tcpOut.WriteVarint(0)
	client.mu.Unlock()
	client.Flush()

	msg := packet.New(nil)
	msg.WriteString("after skip")
	client.Send(msg)

	select {
	case got := <-received:
		if got != "after skip" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestCloseInvokesHandlerOnce(t *testing.T) {
	cliTCP, srvTCP := pipeTCP(t)
	defer srvTCP.Close()

	var calls int
	var mu sync.Mutex
	client := New(cliTCP, func(p *packet.Packet, reliable bool) {}, func(err error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	client.Close(nil)
	client.Close(nil)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("onError called %d times, want 1", calls)
	}
}

func TestIsPrivateOrLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"10.0.0.5":  true,
		"192.168.1.1": true,
		"169.254.1.1": true,
		"8.8.8.8":  false,
		"1.1.1.1":  false,
	}
	for ip, want := range cases {
		if got := isPrivateOrLoopback(net.ParseIP(ip)); got != want {
			t.Fatalf("isPrivateOrLoopback(%s) = %v, want %v", ip, got, want)
		}
	}
}
