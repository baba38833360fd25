// Package transport implements the dual reliable/unreliable connection: a
// TCP stream for framed, ordered control and redundant input traffic, plus
// an optional UDP socket to the same peer for low-latency, loss-tolerant
// input fan-out. Both sides of a Conn are owned by whoever holds it; the
// connection itself holds no application state beyond the sockets and their
// output buffers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"netplay64/internal/packet"
)

// State tracks a single transport's (TCP or UDP) lifecycle.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

// udpDiscoveryHost is the well-known helper used to learn a NAT-mapped UDP
// source port. It is never contacted for loopback or private-range peers.
const udpDiscoveryHost = "udp.play64.com:6400"

const udpDiscoveryTimeout = 1 * time.Second

// udpPortQueryOpcode is the single-byte payload sent to the discovery
// helper; it deliberately shares no numbering with the main protocol's
// opcode space (it talks to a different, tiny helper protocol).
const udpPortQueryOpcode = 0

// ReceiveHandler is invoked once per decoded application packet. reliable is
// true for TCP-delivered packets, false for UDP-delivered ones.
type ReceiveHandler func(p *packet.Packet, reliable bool)

// ErrorHandler is invoked when the connection closes, with the triggering
// error (nil on a clean, locally-initiated close).
type ErrorHandler func(err error)

// Conn is a TCP connection plus an optional UDP companion socket to the same
// remote peer.
type Conn struct {
	onReceive ReceiveHandler
	onError   ErrorHandler

	tcp      *net.TCPConn
	tcpState State

	mu       sync.Mutex
	tcpOut   *packet.Packet
	tcpBack  *packet.Packet
	flushing bool

	udpMu     sync.Mutex
	udp       *net.UDPConn
	udpState  State
	udpOut    *packet.Packet
	udpOpcode byte
	udpPrefixed bool

	closeOnce sync.Once
}

// New wraps an already-accepted or already-dialed TCP connection. UDP is
// added later via AttachUDP once the peer's port is known.
func New(tcp *net.TCPConn, onReceive ReceiveHandler, onError ErrorHandler) *Conn {
	tcp.SetNoDelay(true)
	return &Conn{
		tcp:       tcp,
		tcpState:  StateOpen,
		tcpOut:    packet.New(nil),
		tcpBack:   packet.New(nil),
		udpState:  StateClosed,
		onReceive: onReceive,
		onError:   onError,
	}
}

// AttachUDP binds (or reuses) a UDP socket connected to remote for
// unreliable traffic.
func (c *Conn) AttachUDP(udp *net.UDPConn) {
	c.udpMu.Lock()
	c.udp = udp
	c.udpState = StateOpen
	c.udpOut = packet.New(nil)
	c.udpMu.Unlock()
}

// IsOpen reports whether the TCP side is still usable.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcpState == StateOpen
}

// HasUDP reports whether a working UDP companion socket is attached.
func (c *Conn) HasUDP() bool {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	return c.udpState == StateOpen
}

// LocalUDPPort returns the locally bound UDP port, or 0 if no UDP socket is
// attached.
func (c *Conn) LocalUDPPort() int {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	if c.udp == nil {
		return 0
	}
	if addr, ok := c.udp.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// RemoteAddr returns the TCP peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.tcp.RemoteAddr() }

// Send appends p to the reliable output stream, varint-length-prefixed, and
// flushes. A zero-length frame is legal (and simply skipped by the reader),
// so callers never need to special-case an empty packet.
func (c *Conn) Send(p *packet.Packet) error {
	c.mu.Lock()
	if c.tcpState != StateOpen {
		c.mu.Unlock()
		return errors.New("transport: tcp closed")
	}
	c.tcpOut.WriteVarint(uint64(p.Len()))
	c.tcpOut.WriteBytes(p.Bytes())
	c.mu.Unlock()
	return c.Flush()
}

// Flush drains the accumulated reliable output buffer in one write. It is
// double-buffered: if a write is already in flight, the newly accumulated
// bytes wait for that write's completion, which re-invokes Flush itself —
// so a caller never blocks behind a slow peer for more than one buffer swap.
func (c *Conn) Flush() error {
	c.mu.Lock()
	if c.flushing || c.tcpState != StateOpen {
		c.mu.Unlock()
		return nil
	}
	if c.tcpOut.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	c.tcpOut.Swap(c.tcpBack)
	out := c.tcpBack.Bytes()
	c.flushing = true
	c.mu.Unlock()

	go func() {
		_, err := c.tcp.Write(out)
		c.mu.Lock()
		c.tcpBack.Reset()
		c.flushing = false
		c.mu.Unlock()
		if err != nil {
			c.Close(fmt.Errorf("transport: tcp write: %w", err))
			return
		}
		c.Flush()
	}()
	return nil
}

// SendUDP appends p (opcode-prefixed by the caller inside p) to the shared
// UDP output buffer, flushing immediately if requested or if the buffer
// would otherwise cross MaxUDPDatagram.
func (c *Conn) SendUDP(p *packet.Packet, flushNow bool) error {
	const maxDatagram = 1500
	c.udpMu.Lock()
	if c.udpState != StateOpen {
		c.udpMu.Unlock()
		return nil // unreliable channel unavailable is not an error
	}
	if c.udpOut.Len()+p.Len() > maxDatagram {
		c.udpMu.Unlock()
		if err := c.FlushUDP(); err != nil {
			return err
		}
		c.udpMu.Lock()
	}
	c.udpOut.WriteBytes(p.Bytes())
	shouldFlush := flushNow
	c.udpMu.Unlock()
	if shouldFlush {
		return c.FlushUDP()
	}
	return nil
}

// FlushUDP sends the accumulated UDP output buffer as a single datagram and
// clears it. Unlike the TCP path, a UDP write error only tears down the UDP
// side (graceful degradation to TCP-only), never the whole connection.
func (c *Conn) FlushUDP() error {
	c.udpMu.Lock()
	if c.udpState != StateOpen || c.udpOut.Len() == 0 {
		c.udpMu.Unlock()
		return nil
	}
	out := c.udpOut.Bytes()
	buf := make([]byte, len(out))
	copy(buf, out)
	c.udpOut.Reset()
	udp := c.udp
	c.udpMu.Unlock()

	if _, err := udp.Write(buf); err != nil {
		c.closeUDP(err)
		return err
	}
	return nil
}

// FlushAll flushes both the reliable and unreliable output buffers.
func (c *Conn) FlushAll() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.FlushUDP()
}

func (c *Conn) closeUDP(err error) {
	c.udpMu.Lock()
	if c.udpState == StateClosed {
		c.udpMu.Unlock()
		return
	}
	c.udpState = StateClosed
	udp := c.udp
	c.udp = nil
	if c.udpOut != nil {
		c.udpOut.Reset()
	}
	c.udpMu.Unlock()
	if udp != nil {
		udp.Close()
	}
	if err != nil {
		log.Printf("[transport %s] udp closed: %v", safeAddr(c.tcp), err)
	}
}

// Close tears down both sockets and invokes the error handler exactly once.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.tcpState = StateClosed
		c.mu.Unlock()
		c.tcp.Close()
		c.closeUDP(nil)
		if c.onError != nil {
			c.onError(err)
		}
	})
}

// ReadLoopTCP reads varint-length-prefixed frames until error or close,
// dispatching each to the receive handler. It returns once the stream ends;
// callers run it in its own goroutine.
func (c *Conn) ReadLoopTCP() {
	r := &tcpFrameReader{r: c.tcp}
	for {
		frame, err := r.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.Close(fmt.Errorf("transport: tcp read: %w", err))
			} else {
				c.Close(nil)
			}
			return
		}
		if len(frame) == 0 {
			continue // a zero-length frame is legal and simply skipped
		}
		c.onReceive(packet.New(frame), true)
	}
}

// ReadLoopUDP reads datagrams from the attached UDP socket, verifying each
// arrives from the connected peer, and dispatches every sub-packet framed
// within a datagram (1..N per datagram) to the receive handler. Malformed
// data on this path only tears down UDP, never the whole connection.
func (c *Conn) ReadLoopUDP() {
	buf := make([]byte, 65536)
	for {
		c.udpMu.Lock()
		udp := c.udp
		state := c.udpState
		c.udpMu.Unlock()
		if udp == nil || state != StateOpen {
			return
		}

		n, addr, err := udp.ReadFromUDP(buf)
		if err != nil {
			c.closeUDP(err)
			return
		}
		if remote, ok := udp.RemoteAddr().(*net.UDPAddr); ok && !remote.IP.Equal(addr.IP) {
			continue // drop datagrams from anyone but our connected peer
		}

		dgram := packet.New(buf[:n])
		for dgram.Available() > 0 {
			sub, err := decodeSubPacket(dgram)
			if err != nil {
				break // malformed trailing data: stop this datagram, keep UDP alive
			}
			c.onReceive(sub, false)
		}
	}
}

// decodeSubPacket reads one length-prefixed sub-packet out of a larger UDP
// datagram buffer (mirroring the reliable stream's own varint framing, so
// a single codepath produces both).
func decodeSubPacket(dgram *packet.Packet) (*packet.Packet, error) {
	n, err := dgram.ReadVarint()
	if err != nil {
		return nil, err
	}
	b, err := dgram.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	return packet.New(b), nil
}

// WriteSubPacket appends p to dst as a varint-length-prefixed sub-packet,
// for building a multi-packet UDP datagram buffer.
func WriteSubPacket(dst *packet.Packet, p *packet.Packet) {
	dst.WriteVarint(uint64(p.Len()))
	dst.WriteBytes(p.Bytes())
}

// tcpFrameReader incrementally reads the TCP stream's varint-size-prefix
// framing: read the size, then read exactly that many bytes. A size of zero
// is legal and yields an empty (skipped) frame.
type tcpFrameReader struct {
	r   io.Reader
	buf [1]byte
}

func (f *tcpFrameReader) next() ([]byte, error) {
	size, err := f.readVarint()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (f *tcpFrameReader) readVarint() (uint64, error) {
	var value uint64
	var shift uint
	for {
		if _, err := io.ReadFull(f.r, f.buf[:]); err != nil {
			return 0, err
		}
		b := f.buf[0]
		value |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return value, nil
		}
		shift += 7
		if shift > 63 {
			return 0, errors.New("transport: size varint too long")
		}
	}
}

// DiscoverUDPPort queries the well-known UDP discovery helper for the
// NAT-mapped source port visible on a freshly bound UDP socket, unless the
// peer is on a loopback or private address range, in which case the
// locally-bound port is reported directly with no network round trip.
//
// On any discovery error (resolve failure, send failure, timeout, malformed
// reply) the returned ok is false: the caller must not trust the socket for
// unreliable delivery and should degrade to TCP-only, per the protocol's
// explicit contract (the original client instead quietly falls back to the
// locally-bound port on discovery failure; this implementation treats that
// as unacceptably optimistic — see DESIGN.md).
func DiscoverUDPPort(ctx context.Context, udp *net.UDPConn, peer net.IP) (port int, ok bool) {
	localPort := 0
	if addr, ok := udp.LocalAddr().(*net.UDPAddr); ok {
		localPort = addr.Port
	}

	if isPrivateOrLoopback(peer) {
		return localPort, true
	}

	ctx, cancel := context.WithTimeout(ctx, udpDiscoveryTimeout)
	defer cancel()

	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, "udp.play64.com")
	if err != nil || len(addrs) == 0 {
		return 0, false
	}
	helper := &net.UDPAddr{IP: addrs[0].IP, Port: 6400}

	if _, err := udp.WriteToUDP([]byte{udpPortQueryOpcode}, helper); err != nil {
		return 0, false
	}

	udp.SetReadDeadline(time.Now().Add(udpDiscoveryTimeout))
	defer udp.SetReadDeadline(time.Time{})

	reply := make([]byte, 8)
	n, from, err := udp.ReadFromUDP(reply)
	if err != nil || n < 3 || !from.IP.Equal(helper.IP) {
		return 0, false
	}
	p := packet.New(reply[:n])
	if _, err := p.ReadU8(); err != nil { // opcode byte, ignored
		return 0, false
	}
	reportedPort, err := p.ReadU16()
	if err != nil {
		return 0, false
	}
	return int(reportedPort), true
}

func isPrivateOrLoopback(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return true
	}
	// RFC 4193 unique local addresses (fc00::/7) — net.IP.IsPrivate covers
	// this on recent Go versions, but check explicitly for older semantics.
	if len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}
	return false
}

func safeAddr(c *net.TCPConn) string {
	if c == nil {
		return "?"
	}
	return c.RemoteAddr().String()
}
