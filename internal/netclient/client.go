// Package netclient implements the player-facing half of the netplay input
// relay protocol: connecting to a room, pushing locally-sampled controller
// input into the wire format through a local lag buffer, and delivering the
// resulting merged frames back to the emulator through a blocking queue.
package netclient

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"netplay64/internal/packet"
	"netplay64/internal/transport"
	"netplay64/internal/wire"
)

// zTrigBit is the bit position of BUTTONS.Z_TRIG in a raw N64 controller
// data word (bit 5, counting from the D-pad at bit 0).
const zTrigBit = 1 << 5

// InputSource supplies the locally-sampled controller state for one frame,
// in the same port order as wire.InputSample.Data.
type InputSource interface {
	Sample() [4]uint32
}

// Handlers holds the optional event callbacks a UI layer can register.
// Every field may be left nil.
type Handlers struct {
	OnJoinAccepted   func(selfID uint32, users []wire.UserInfo)
	OnUserJoined     func(id uint32, name string)
	OnUserQuit       func(id uint32)
	OnMessage        func(fromID uint32, text string)
	OnError          func(fromID uint32, text string)
	OnLag            func(lag uint8)
	OnGolf           func(on bool)
	OnControllers    func(id uint32, controllers [4]wire.Controller, m wire.InputMap)
	OnGameStarted    func()
	OnAuthority      func(forID uint32, authority wire.Authority)
	OnDisconnected   func(err error)
}

// Client is a single connection to a netplay room.
type Client struct {
	mu       sync.Mutex
	conn     *transport.Conn
	selfID   uint32
	room     string
	handlers Handlers

	lag          uint8
	currentLag   int
	golf         bool
	prevZ        [4]bool
	authority    wire.Authority
	selfMap      wire.InputMap
	latencySamples []float64
	lastPingSent time.Time

	// peerAuthority and peerNextID track, per remote user id, what format an
	// incoming INPUT_DATA frame is in (HOST: bare sample; CLIENT: batched)
	// and the next contiguous accepted sequence id for that sender's
	// CLIENT-format batches — the client-side mirror of the server's
	// User.authority / User.AddInputHistory bookkeeping, since the server
	// relays each sender's sample untouched rather than pre-merging.
	peerAuthority map[uint32]wire.Authority
	peerNextID    map[uint32]uint32
	mergedSlots   [4]uint32

	nextInputID   uint32
	inputHistory  []wire.InputSample
	merged        *BlockingQueue[wire.InputSample]
}

// Dial connects to addr over TCP and returns a Client ready to Join. The
// connection is TCP-only: this package never attaches a UDP socket to it.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	tcpConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netclient: dial: %w", err)
	}
	tcp, ok := tcpConn.(*net.TCPConn)
	if !ok {
		tcpConn.Close()
		return nil, fmt.Errorf("netclient: dial did not return a TCP connection")
	}

	c := &Client{
		lag:           wire.DefaultLag,
		authority:     wire.AuthorityClient,
		peerAuthority: make(map[uint32]wire.Authority),
		peerNextID:    make(map[uint32]uint32),
		merged:        NewBlockingQueue[wire.InputSample](),
	}
	c.conn = transport.New(tcp, c.onReceive, c.onError)
	return c, nil
}

// SetHandlers installs the event callbacks used for the lifetime of the
// connection. Must be called before Join.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

// Join sends the JOIN packet for the given room path and local user info.
func (c *Client) Join(roomPath string, info wire.UserInfo) error {
	c.mu.Lock()
	c.room = roomPath
	c.mu.Unlock()

	p := packet.New(nil)
	p.WriteU8(byte(wire.OpJoin)).WriteU32(wire.ProtocolVersion).WriteString(roomPath)
	info.WriteTo(p)
	return c.conn.Send(p)
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.merged.Interrupt()
	c.conn.Close(nil)
	return nil
}

func (c *Client) onError(err error) {
	c.merged.Interrupt()
	c.mu.Lock()
	h := c.handlers.OnDisconnected
	c.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (c *Client) onReceive(p *packet.Packet, reliable bool) {
	op, err := p.ReadU8()
	if err != nil {
		return
	}
	if err := c.dispatch(wire.Opcode(op), p, reliable); err != nil {
		log.Printf("[netclient] %v", err)
	}
}

func (c *Client) dispatch(op wire.Opcode, p *packet.Packet, reliable bool) error {
	switch op {
	case wire.OpVersion:
		_, err := p.ReadU32()
		return err
	case wire.OpAccept:
		return c.handleAccept(p)
	case wire.OpJoin:
		return c.handleJoin(p)
	case wire.OpQuit:
		return c.handleQuit(p)
	case wire.OpPath:
		_, err := p.ReadString()
		return err
	case wire.OpPing:
		return c.handlePing(p)
	case wire.OpPong:
		return c.handlePong(p)
	case wire.OpMessage:
		return c.handleMessage(p)
	case wire.OpLag:
		return c.handleLag(p)
	case wire.OpAutolag:
		return nil
	case wire.OpControllers:
		return c.handleControllers(p)
	case wire.OpStart:
		c.mu.Lock()
		h := c.handlers.OnGameStarted
		c.mu.Unlock()
		if h != nil {
			h()
		}
		return nil
	case wire.OpGolf:
		return c.handleGolf(p)
	case wire.OpInputData:
		return c.handleInputData(p)
	case wire.OpInputRate:
		_, err := p.ReadU32()
		return err
	case wire.OpDelegateAuthority:
		return c.handleDelegateAuthority(p)
	default:
		return nil
	}
}

func (c *Client) handleAccept(p *packet.Packet) error {
	id, err := p.ReadU32()
	if err != nil {
		return err
	}
	count, err := p.ReadVarint()
	if err != nil {
		return err
	}
	users := make([]wire.UserInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		u, err := wire.ReadUserInfo(p)
		if err != nil {
			return err
		}
		users = append(users, u)
	}
	c.mu.Lock()
	c.selfID = id
	c.rememberPeerLocked(id)
	for _, u := range users {
		c.rememberPeerLocked(u.ID)
	}
	h := c.handlers.OnJoinAccepted
	c.mu.Unlock()
	if h != nil {
		h(id, users)
	}
	return nil
}

// rememberPeerLocked registers id with the protocol's default authority
// (CLIENT) if it hasn't been seen before. Caller must hold c.mu.
func (c *Client) rememberPeerLocked(id uint32) {
	if _, ok := c.peerAuthority[id]; !ok {
		c.peerAuthority[id] = wire.AuthorityClient
	}
}

func (c *Client) handleJoin(p *packet.Packet) error {
	id, err := p.ReadU32()
	if err != nil {
		return err
	}
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rememberPeerLocked(id)
	h := c.handlers.OnUserJoined
	c.mu.Unlock()
	if h != nil {
		h(id, name)
	}
	return nil
}

func (c *Client) handleQuit(p *packet.Packet) error {
	id, err := p.ReadU32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	h := c.handlers.OnUserQuit
	c.mu.Unlock()
	if h != nil {
		h(id)
	}
	return nil
}

func (c *Client) handlePing(p *packet.Packet) error {
	rest := p.Unread()
	pong := packet.New(nil)
	pong.WriteU8(byte(wire.OpPong)).WriteU8(boolByte(true)).WriteBytes(rest)
	if err := c.conn.Send(pong); err != nil {
		return err
	}
	if c.conn.HasUDP() {
		_ = c.conn.SendUDP(pong, true)
	}
	return nil
}

func (c *Client) handlePong(p *packet.Packet) error {
	if _, err := p.ReadU8(); err != nil {
		return err
	}
	c.mu.Lock()
	sent := c.lastPingSent
	c.mu.Unlock()
	if sent.IsZero() {
		return nil
	}
	rtt := time.Since(sent).Seconds()
	c.mu.Lock()
	c.latencySamples = append(c.latencySamples, rtt)
	if len(c.latencySamples) > 7 {
		c.latencySamples = c.latencySamples[len(c.latencySamples)-7:]
	}
	c.mu.Unlock()
	return nil
}

// SendPing records the send time and transmits a PING, used to measure RTT
// the same way the server does for each connected user.
func (c *Client) SendPing() error {
	c.mu.Lock()
	c.lastPingSent = time.Now()
	c.mu.Unlock()
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpPing))
	return c.conn.Send(p)
}

// MedianLatency returns the median of up to the 7 most recent RTT samples.
func (c *Client) MedianLatency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return medianOf7(c.latencySamples)
}

func medianOf7(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func (c *Client) handleMessage(p *packet.Packet) error {
	id, err := p.ReadU32()
	if err != nil {
		return err
	}
	text, err := p.ReadString()
	if err != nil {
		return err
	}
	c.mu.Lock()
	var h func(uint32, string)
	if id == 0xFFFFFFFE {
		h = c.handlers.OnError
	} else {
		h = c.handlers.OnMessage
	}
	c.mu.Unlock()
	if h != nil {
		h(id, text)
	}
	return nil
}

func (c *Client) handleLag(p *packet.Packet) error {
	lag, err := p.ReadU8()
	if err != nil {
		return err
	}
	if _, err := p.ReadU8(); err != nil {
		return err
	}
	if _, err := p.ReadU8(); err != nil {
		return err
	}
	c.mu.Lock()
	c.lag = lag
	h := c.handlers.OnLag
	c.mu.Unlock()
	if h != nil {
		h(lag)
	}
	return nil
}

func (c *Client) handleGolf(p *packet.Packet) error {
	on, err := p.ReadU8()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.golf = on != 0
	c.prevZ = [4]bool{}
	if c.golf {
		// Golf forces every user (including self) to host authority, per
		// Room.SetGolf; a DELEGATE_AUTHORITY broadcast for each user follows
		// this GOLF packet, but marking them here too means any INPUT_DATA
		// that arrives before those land is still decoded in the right
		// shape.
		c.authority = wire.AuthorityHost
		for id := range c.peerAuthority {
			c.peerAuthority[id] = wire.AuthorityHost
		}
	}
	h := c.handlers.OnGolf
	c.mu.Unlock()
	if h != nil {
		h(on != 0)
	}
	return nil
}

func (c *Client) handleControllers(p *packet.Packet) error {
	for p.Available() > 0 {
		id, controllers, m, err := wire.ReadControllersPacket(p)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if id == c.selfID {
			c.selfMap = m
		}
		h := c.handlers.OnControllers
		c.mu.Unlock()
		if h != nil {
			h(id, controllers, m)
		}
	}
	return nil
}

func (c *Client) handleDelegateAuthority(p *packet.Packet) error {
	id, err := p.ReadU32()
	if err != nil {
		return err
	}
	authority, err := p.ReadU8()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.peerAuthority[id] = wire.Authority(authority)
	if id == c.selfID {
		c.authority = wire.Authority(authority)
	}
	h := c.handlers.OnAuthority
	c.mu.Unlock()
	if h != nil {
		h(id, wire.Authority(authority))
	}
	return nil
}

// handleInputData decodes one sender's contribution to the current frame —
// the server relays each user's sample untouched, tagged with that user's
// id (see Room.fanOutHostInput / User.relayInputHistory / User.WriteInputFrom)
// rather than pre-merging across players, so the client folds every
// incoming sample into its own 4-slot merged view via applyMergedSample.
// The payload shape after the source id depends on that sender's last-known
// input authority: HOST sends one bare InputSample per tick; CLIENT sends a
// varint-framed, RLE-encoded history batch (possibly several samples, with
// overlap across datagrams for loss recovery — see
// User.WriteInputFrom/AddInputHistory on the server side for the matching
// encode/accept logic this mirrors).
func (c *Client) handleInputData(p *packet.Packet) error {
	fromID, err := p.ReadU32()
	if err != nil {
		return err
	}

	c.mu.Lock()
	authority := c.authorityOf(fromID)
	c.mu.Unlock()

	if authority == wire.AuthorityHost {
		sample, err := wire.ReadInputSample(p)
		if err != nil {
			return err
		}
		c.applyMergedSample(sample)
		return nil
	}

	firstID, err := p.ReadVarint()
	if err != nil {
		return err
	}
	count, err := p.ReadVarint()
	if err != nil {
		return err
	}
	encoded, err := p.ReadBytes(p.Available())
	if err != nil {
		return err
	}
	flat, err := packet.ReadRLE(packet.New(encoded), int(count)*wire.SampleWireSize)
	if err != nil {
		return fmt.Errorf("netclient: input data rle: %w", err)
	}
	rows, err := packet.Transpose(flat, wire.SampleWireSize, int(count))
	if err != nil {
		return err
	}

	c.mu.Lock()
	next := c.peerNextID[fromID]
	c.mu.Unlock()

	rowPacket := packet.New(rows)
	for i := uint64(0); i < count; i++ {
		sample, err := wire.ReadInputSample(rowPacket)
		if err != nil {
			return err
		}
		id := uint32(firstID) + uint32(i)
		if id != next {
			// Out-of-order or already-seen (redundant resend covering a
			// datagram we already received) — silently dropped, matching
			// AddInputHistory's accept-iff-contiguous rule.
			continue
		}
		next++
		c.applyMergedSample(sample)
	}
	c.mu.Lock()
	c.peerNextID[fromID] = next
	c.mu.Unlock()
	return nil
}

// authorityOf returns the last known authority for a remote user, defaulting
// to CLIENT (the protocol default) for a sender we haven't yet seen a
// DELEGATE_AUTHORITY broadcast for. Caller must hold c.mu.
func (c *Client) authorityOf(id uint32) wire.Authority {
	if a, ok := c.peerAuthority[id]; ok {
		return a
	}
	return wire.AuthorityClient
}

// applyMergedSample folds one sender's sample into the shared 4-slot merged
// frame using that sample's own port map (placing each of the sender's
// present local ports into its assigned netplay slot, the same assignment
// Room.UpdateControllerMap computes server-side) and pushes a fresh
// snapshot to the emulator-facing queue.
func (c *Client) applyMergedSample(sample wire.InputSample) {
	c.mu.Lock()
	for src := 0; src < 4; src++ {
		for dst := 0; dst < 4; dst++ {
			if sample.Map.Get(src, dst) {
				c.mergedSlots[dst] = sample.Data[src]
			}
		}
	}
	merged := wire.InputSample{Data: c.mergedSlots, Map: wire.IdentityMap}
	c.mu.Unlock()
	c.merged.Push(merged)
}

// GetInput blocks until the next merged input frame is available, matching
// the emulator's synchronous GetKeys call. ok is false only once the
// connection has been closed or interrupted.
func (c *Client) GetInput() (wire.InputSample, bool) {
	return c.merged.Pop()
}

// checkGolfSwing reports whether any present local controller's Z trigger
// just transitioned from released to pressed. Unlike the original client,
// which re-fires the golf lag-reset every tick the trigger is held, this
// only fires once per press (edge-triggered), since re-sending the reset
// on every held frame would repeatedly collapse lag back to zero and spam
// the wire with redundant LAG packets for the duration of the swing.
func (c *Client) checkGolfSwing(sample wire.InputSample, present [4]bool) bool {
	triggered := false
	for i := 0; i < 4; i++ {
		pressed := present[i] && sample.Data[i]&zTrigBit != 0
		if pressed && !c.prevZ[i] {
			triggered = true
		}
		c.prevZ[i] = pressed
	}
	return triggered
}

// SendLocalLag pushes the local lag value to the server as a player-
// initiated lag change (source_lag = room_lag = current lag, matching the
// 3-field LAG encoding used throughout this protocol).
func (c *Client) SendLocalLag(lag uint8) error {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpLag)).WriteU8(lag).WriteU8(lag).WriteU8(lag)
	return c.conn.Send(p)
}

// ProcessLocalInput runs one locally-sampled frame through the golf
// Z-trigger check and the local lag buffer, sending input to the server the
// same number of times per frame that the original client does: it sends
// once immediately, then continues sending buffered copies until the local
// lag counter has caught up to the configured lag.
func (c *Client) ProcessLocalInput(sample wire.InputSample, present [4]bool) error {
	c.mu.Lock()
	golf := c.golf
	lag := int(c.lag)
	sample.Map = c.selfMap
	c.mu.Unlock()

	if golf && lag != 0 {
		if c.checkGolfSwing(sample, present) {
			if err := c.SendLocalLag(c.lag); err != nil {
				return err
			}
			c.mu.Lock()
			c.lag = 0
			c.mu.Unlock()
			lag = 0
		}
	}

	c.mu.Lock()
	c.currentLag--
	c.mu.Unlock()

	for {
		c.mu.Lock()
		behind := c.currentLag < lag
		if behind {
			c.currentLag++
		}
		c.mu.Unlock()
		if !behind {
			break
		}
		if err := c.sendInputSample(sample); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendInputSample(sample wire.InputSample) error {
	c.mu.Lock()
	id := c.nextInputID
	c.nextInputID++
	c.inputHistory = append(c.inputHistory, sample)
	if len(c.inputHistory) > wire.InputHistoryLength {
		c.inputHistory = c.inputHistory[len(c.inputHistory)-wire.InputHistoryLength:]
	}
	authority := c.authority
	c.mu.Unlock()

	if authority == wire.AuthorityHost {
		p := packet.New(nil)
		p.WriteU8(byte(wire.OpInputData))
		sample.WriteTo(p)
		return c.conn.Send(p)
	}

	return c.sendInputBatch(id, sample)
}

// sendInputBatch sends the capped input-history ring RLE-encoded over UDP
// (packed as one or more sub-packets per datagram) plus the single latest
// sample reliably over TCP, mirroring the server's WriteInputFrom loss
// recovery scheme in the opposite direction.
func (c *Client) sendInputBatch(latestID uint32, latest wire.InputSample) error {
	c.mu.Lock()
	history := append([]wire.InputSample(nil), c.inputHistory...)
	c.mu.Unlock()

	firstID := latestID + 1 - uint32(len(history))

	flat := make([]byte, 0, len(history)*wire.SampleWireSize)
	for _, s := range history {
		tmp := packet.New(nil)
		s.WriteTo(tmp)
		flat = append(flat, tmp.Bytes()...)
	}
	transposed, err := packet.Transpose(flat, len(history), wire.SampleWireSize)
	if err != nil {
		return err
	}

	batch := packet.New(nil)
	batch.WriteU8(byte(wire.OpInputData))
	batch.WriteVarint(uint64(firstID))
	batch.WriteVarint(uint64(len(history)))
	packet.WriteRLE(batch, transposed)

	if c.conn.HasUDP() {
		_ = c.conn.SendUDP(batch, true)
	}

	single := packet.New(nil)
	single.WriteU8(byte(wire.OpInputData))
	single.WriteVarint(uint64(latestID))
	single.WriteVarint(1)
	latestBytes := packet.New(nil)
	latest.WriteTo(latestBytes)
	packet.WriteRLE(single, latestBytes.Bytes())
	return c.conn.Send(single)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
