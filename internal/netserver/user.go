package netserver

import (
	"fmt"
	"math"
	"sync"
	"time"

	"netplay64/internal/packet"
	"netplay64/internal/transport"
	"netplay64/internal/wire"
)

// User is the server-side session for one connected peer: its identity,
// controller configuration, input-history ring, and latency tracking. It is
// owned by the Server's connection table and holds a borrowed reference to
// at most one Room at a time.
type User struct {
	mu sync.Mutex

	id   uint32
	name string
	rom  wire.RomInfo
	saves [5]wire.SaveBlob

	lag         uint8
	controllers [4]wire.Controller
	manualMap   bool
	controllerMap wire.InputMap

	authority      wire.Authority
	authorityOwner uint32

	latencyHistory []float64 // capped at 7 most recent samples
	lastPingSent   time.Time
	lastPongAt     time.Time
	canSendUDP     bool

	currentInput wire.InputSample
	inputHistory []wire.InputSample // capped at wire.InputHistoryLength
	nextInputID  uint32

	inputTimestamps []time.Time // rolling ~2s window, used to derive fps

	room *Room
	conn *transport.Conn

	joined bool
}

// NewUser constructs a freshly accepted, not-yet-joined session. Authority
// defaults to CLIENT: the user streams their own inputs until something
// (golf mode, a delegation request) moves it to HOST.
func NewUser(id uint32, conn *transport.Conn) *User {
	return &User{
		id:             id,
		authorityOwner: id,
		authority:      wire.AuthorityClient,
		lag:            wire.DefaultLag,
		conn:           conn,
	}
}

func (u *User) ID() uint32 { return u.id }

func (u *User) Name() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.name
}

// IsPlayer reports whether this user has at least one present controller.
func (u *User) IsPlayer() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, c := range u.controllers {
		if c.Present {
			return true
		}
	}
	return false
}

func (u *User) Controllers() [4]wire.Controller {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.controllers
}

func (u *User) ManualMap() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.manualMap
}

func (u *User) ControllerMap() wire.InputMap {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.controllerMap
}

func (u *User) clearControllerMap() {
	u.mu.Lock()
	u.controllerMap = 0
	u.mu.Unlock()
}

func (u *User) setControllerMapEntry(src, dst int) {
	u.mu.Lock()
	u.controllerMap.Set(src, dst)
	u.mu.Unlock()
}

func (u *User) CurrentInput() wire.InputSample {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.currentInput
}

// Info snapshots the wire-visible UserInfo for this session, for ACCEPT/JOIN
// payloads.
func (u *User) Info() wire.UserInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	return wire.UserInfo{
		ID:             u.id,
		AuthorityOwner: u.authorityOwner,
		Name:           u.name,
		Rom:            u.rom,
		Saves:          u.saves,
		Lag:            u.lag,
		Latency:        u.medianLatencyLocked(),
		Controllers:    u.controllers,
		Map:            u.controllerMap,
		ManualMap:      u.manualMap,
	}
}

func (u *User) setRoom(r *Room) {
	u.mu.Lock()
	u.room = r
	u.joined = true
	u.mu.Unlock()
	u.SendPath(r.ID())
}

// GetMedianLatency returns the 4th order statistic (sorted middle) of the
// last up to 7 round-trip samples, or NaN if none have been recorded yet.
func (u *User) GetMedianLatency() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.medianLatencyLocked()
}

func (u *User) medianLatencyLocked() float64 {
	return medianOf7(u.latencyHistory)
}

// GetFPS derives an input rate from the timestamps of recently received
// input frames (a rolling ~2 second window), or NaN if too few samples.
func (u *User) GetFPS() float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.inputTimestamps) < 2 {
		return math.NaN()
	}
	first := u.inputTimestamps[0]
	last := u.inputTimestamps[len(u.inputTimestamps)-1]
	elapsed := last.Sub(first).Seconds()
	if elapsed <= 0 {
		return math.NaN()
	}
	return float64(len(u.inputTimestamps)-1) / elapsed
}

func (u *User) recordInputTimestamp(now time.Time) {
	u.mu.Lock()
	u.inputTimestamps = append(u.inputTimestamps, now)
	cutoff := now.Add(-2 * time.Second)
	i := 0
	for i < len(u.inputTimestamps) && u.inputTimestamps[i].Before(cutoff) {
		i++
	}
	u.inputTimestamps = u.inputTimestamps[i:]
	u.mu.Unlock()
}

// AddInputHistory accepts inputID's sample iff it is the next one this user
// expects, appending it to the capped history ring and advancing the
// expectation. It returns false (and makes no change) for anything else,
// including a duplicate or a sequence that has skipped ahead.
func (u *User) AddInputHistory(inputID uint32, sample wire.InputSample) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if inputID != u.nextInputID {
		return false
	}
	u.inputHistory = append(u.inputHistory, sample)
	for len(u.inputHistory) > wire.InputHistoryLength {
		u.inputHistory = u.inputHistory[1:]
	}
	u.nextInputID++
	u.currentInput = sample
	return true
}

// InputHistory returns a snapshot of the capped history ring, oldest first.
func (u *User) InputHistory() []wire.InputSample {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]wire.InputSample(nil), u.inputHistory...)
}

func (u *User) NextInputID() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nextInputID
}

// errorHandler is passed to the transport so a connection failure removes
// this user from its room and reports the closure to the server, exactly
// once, regardless of which side (TCP or UDP-then-TCP) failed first.
func (u *User) errorHandler(s *Server) transport.ErrorHandler {
	return func(err error) {
		u.mu.Lock()
		room := u.room
		u.mu.Unlock()
		if room != nil {
			room.OnUserQuit(u)
		}
		s.onUserGone(u)
	}
}

// OnReceive dispatches one decoded packet. Every opcode other than JOIN
// requires the session to already be in a room.
func (u *User) OnReceive(s *Server, op wire.Opcode, p *packet.Packet, reliable bool) error {
	if op == wire.OpJoin {
		return u.handleJoin(s, p)
	}

	u.mu.Lock()
	room := u.room
	u.mu.Unlock()
	if room == nil {
		return fmt.Errorf("netserver: opcode %s before JOIN", op)
	}

	switch op {
	case wire.OpPing:
		return u.handlePing(p)
	case wire.OpPong:
		return u.handlePong(p)
	case wire.OpQuit:
		room.OnUserQuit(u)
		return nil
	case wire.OpName:
		return u.handleName(room, p)
	case wire.OpSaveInfo:
		return u.handleSaveInfo(p)
	case wire.OpMessage:
		return u.handleMessage(room, p)
	case wire.OpLag:
		return u.handleLag(room, p)
	case wire.OpAutolag:
		return u.handleAutolag(room, p)
	case wire.OpControllers:
		return u.handleControllers(room, p)
	case wire.OpStart:
		room.OnGameStart()
		return nil
	case wire.OpGolf:
		return u.handleGolf(room, p)
	case wire.OpInputMap:
		return u.handleInputMap(room, p)
	case wire.OpInputData:
		return u.handleInputData(room, p, reliable)
	case wire.OpInputRate:
		return u.handleInputRate(room, p)
	case wire.OpRequestAuthority:
		return u.handleRequestAuthority(room, p)
	case wire.OpDelegateAuthority:
		return u.handleDelegateAuthority(room, p)
	case wire.OpRoomCheck:
		return nil
	default:
		return fmt.Errorf("netserver: unexpected opcode %s", op)
	}
}

func (u *User) handleJoin(s *Server, p *packet.Packet) error {
	version, err := p.ReadU32()
	if err != nil {
		return err
	}
	if version != wire.ProtocolVersion {
		u.SendError(fmt.Sprintf("Protocol version mismatch (server is %d)", wire.ProtocolVersion))
		u.conn.Close(nil)
		return nil
	}
	roomPath, err := p.ReadString()
	if err != nil {
		return err
	}
	info, err := wire.ReadUserInfo(p)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.name = info.Name
	u.rom = info.Rom
	u.saves = info.Saves
	u.lag = info.Lag
	u.controllers = info.Controllers
	u.manualMap = info.ManualMap
	u.controllerMap = info.Map
	u.mu.Unlock()

	room := s.roomFor(roomPath)
	room.OnUserJoin(u)
	return nil
}

func (u *User) handlePing(p *packet.Packet) error {
	rest, err := p.ReadBytes(p.Available())
	if err != nil {
		return err
	}
	pong := packet.New(nil)
	pong.WriteU8(byte(wire.OpPong)).WriteU8(boolByte(u.canSendUDP))
	pong.WriteBytes(rest)
	if !u.canSendUDP {
		return u.conn.Send(pong)
	}
	if err := u.conn.SendUDP(pong, true); err != nil {
		return err
	}
	return u.conn.Send(pong) // always also reliably, even once UDP is confirmed
}

func (u *User) handlePong(p *packet.Packet) error {
	confirmedUDP, err := p.ReadU8()
	if err != nil {
		return err
	}
	ts, err := p.ReadU64()
	if err != nil {
		return err
	}
	now := time.Now()
	sentAt := time.Unix(0, int64(ts))
	if !sentAt.After(u.lastPongAt) {
		return nil // stale or reordered pong
	}
	u.mu.Lock()
	u.lastPongAt = sentAt
	if confirmedUDP != 0 {
		u.canSendUDP = true
	}
	rtt := now.Sub(sentAt).Seconds()
	u.latencyHistory = append(u.latencyHistory, rtt)
	for len(u.latencyHistory) > 7 {
		u.latencyHistory = u.latencyHistory[1:]
	}
	u.mu.Unlock()
	return nil
}

func (u *User) handleName(room *Room, p *packet.Packet) error {
	name, err := p.ReadString()
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.name = trimName(name)
	u.mu.Unlock()
	for _, other := range room.Users() {
		if other != u {
			other.SendName(u.id, u.Name())
		}
	}
	return nil
}

func (u *User) handleSaveInfo(p *packet.Packet) error {
	idx, err := p.ReadU8()
	if err != nil {
		return err
	}
	blob, err := wire.ReadSaveBlob(p)
	if err != nil {
		return err
	}
	if idx >= 5 {
		return fmt.Errorf("netserver: save_info index out of range: %d", idx)
	}
	u.mu.Lock()
	u.saves[idx] = blob
	u.mu.Unlock()
	return nil
}

func (u *User) handleMessage(room *Room, p *packet.Packet) error {
	text, err := p.ReadString()
	if err != nil {
		return err
	}
	msg := packet.New(nil)
	msg.WriteU8(byte(wire.OpMessage)).WriteU32(u.id).WriteString(text)
	for _, other := range room.Users() {
		if other != u {
			other.conn.Send(msg)
		}
	}
	return nil
}

// handleLag implements the protocol's three-field LAG form: (lag,
// source_lag, room_lag). A client always supplies all three; anything
// shorter is malformed (see DESIGN.md — this resolves an ambiguity the
// protocol's own documentation left open).
func (u *User) handleLag(room *Room, p *packet.Packet) error {
	lag, err := p.ReadU8()
	if err != nil {
		return fmt.Errorf("netserver: malformed LAG: %w", err)
	}
	if _, err := p.ReadU8(); err != nil { // source_lag, informational only server-side
		return fmt.Errorf("netserver: malformed LAG: %w", err)
	}
	if _, err := p.ReadU8(); err != nil { // room_lag
		return fmt.Errorf("netserver: malformed LAG: %w", err)
	}
	room.SendLag(int64(u.id), lag)
	return nil
}

func (u *User) handleAutolag(room *Room, p *packet.Packet) error {
	mode, err := p.ReadU8()
	if err != nil {
		return err
	}
	before := room.Autolag()
	var after bool
	switch mode {
	case 0:
		after = false
	case 1:
		after = true
	default:
		after = !before
	}
	if after == before {
		return nil
	}
	room.SetAutolag(after)
	state := "off"
	if after {
		state = "on"
	}
	room.SendInfo(fmt.Sprintf("%s turned autolag %s", u.Name(), state))
	return nil
}

func (u *User) handleControllers(room *Room, p *packet.Packet) error {
	var controllers [4]wire.Controller
	for i := range controllers {
		present, err := p.ReadU8()
		if err != nil {
			return err
		}
		raw, err := p.ReadU8()
		if err != nil {
			return err
		}
		plugin, err := p.ReadU8()
		if err != nil {
			return err
		}
		controllers[i] = wire.Controller{Present: present != 0, RawData: raw != 0, Plugin: wire.PluginKind(plugin)}
	}
	u.mu.Lock()
	u.controllers = controllers
	u.mu.Unlock()

	if !room.Started() {
		room.UpdateControllerMap()
	}
	room.broadcastControllers()
	return nil
}

// handleGolf applies the requested state through Room.SetGolf, which builds
// and broadcasts a fresh GOLF packet and, only when turning golf on, forces
// autolag off, resets lag to zero, and forces every user to host authority.
func (u *User) handleGolf(room *Room, p *packet.Packet) error {
	on, err := p.ReadU8()
	if err != nil {
		return err
	}
	room.SetGolf(on != 0)
	return nil
}

func (u *User) handleInputMap(room *Room, p *packet.Packet) error {
	m, err := p.ReadU16()
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.manualMap = true
	u.controllerMap = wire.InputMap(m)
	u.mu.Unlock()
	room.broadcastControllers()
	return nil
}

// handleInputData decodes a CLIENT-authority input batch: a varint sequence
// id for the first sample in the batch, the RLE-and-transposed history
// payload, then each decoded sample is offered to AddInputHistory in order.
// If any sample in the batch was newly accepted, the user's full updated
// history is relayed to every other user once via relayInputHistory.
func (u *User) handleInputData(room *Room, p *packet.Packet, reliable bool) error {
	u.mu.Lock()
	authority := u.authority
	u.mu.Unlock()

	if authority == wire.AuthorityHost {
		sample, err := wire.ReadInputSample(p)
		if err != nil {
			return err
		}
		u.mu.Lock()
		u.currentInput = sample
		u.mu.Unlock()
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
		return fmt.Errorf("netserver: input data rle: %w", err)
	}
	rows, err := packet.Transpose(flat, wire.SampleWireSize, int(count))
	if err != nil {
		return err
	}

	now := time.Now()
	accepted := false
	rowPacket := packet.New(rows)
	for i := uint64(0); i < count; i++ {
		sample, err := wire.ReadInputSample(rowPacket)
		if err != nil {
			return err
		}
		id := uint32(firstID) + uint32(i)
		if u.AddInputHistory(id, sample) {
			u.recordInputTimestamp(now)
			accepted = true
		}
	}
	if accepted {
		u.relayInputHistory(room)
	}
	return nil
}

// relayInputHistory fans this user's current capped input history out to
// every other room member via WriteInputFrom: the full history, transposed
// and RLE-encoded, batched over UDP, plus the single latest sample sent
// reliably over TCP as redundancy against dropped datagrams. Each
// recipient's UDP batch is sent and its TCP queue flushed right after that
// recipient is written to (flush_input), once per call rather than once per
// accepted sample.
func (u *User) relayInputHistory(room *Room) {
	for _, other := range room.Users() {
		if other == u {
			continue
		}
		udpBatch := packet.New(nil)
		u.WriteInputFrom(other.conn, udpBatch)
		if other.conn.HasUDP() {
			_ = other.conn.SendUDP(udpBatch, true)
		}
		other.conn.Flush()
	}
}

func (u *User) handleInputRate(room *Room, p *packet.Packet) error {
	hz, err := p.ReadU32()
	if err != nil {
		return err
	}
	room.SetHIARate(hz)
	return nil
}

// handleRequestAuthority asks the room to grant this user client authority
// over its own input; golf mode always reverts any such request back to
// host authority.
func (u *User) handleRequestAuthority(room *Room, p *packet.Packet) error {
	if room.Golf() {
		u.ForceHostAuthority()
		return nil
	}
	u.SetInputAuthority(wire.AuthorityClient, u.id)
	return nil
}

func (u *User) handleDelegateAuthority(room *Room, p *packet.Packet) error {
	target, err := p.ReadU32()
	if err != nil {
		return err
	}
	owner := room.GetUser(target)
	if owner == nil {
		return fmt.Errorf("netserver: delegate to unknown user %d", target)
	}
	owner.SetInputAuthority(wire.AuthorityClient, u.id)
	return nil
}

// ForceHostAuthority unconditionally returns this user to host authority,
// bypassing the normal accept-condition gate in SetInputAuthority — used by
// golf mode, which forces every user back to HOST regardless of who
// currently holds client authority over them.
func (u *User) ForceHostAuthority() {
	u.mu.Lock()
	if u.authority == wire.AuthorityHost {
		u.mu.Unlock()
		return
	}
	u.authority = wire.AuthorityHost
	u.authorityOwner = u.id
	room := u.room
	u.mu.Unlock()

	p := packet.New(nil)
	p.WriteU8(byte(wire.OpDelegateAuthority)).WriteU32(u.id).WriteU8(byte(wire.AuthorityHost)).WriteU32(u.id)
	if room != nil {
		for _, other := range room.Users() {
			other.conn.Send(p)
		}
	}
}

// SetInputAuthority changes whose input authority this user currently
// operates under. The change only takes effect if it actually differs from
// the current authority and either the new authority is CLIENT or the
// initiator is CLIENT. The initiator counts as CLIENT when it is a user
// other than this one, so a user cannot move itself to HOST through this
// method.
func (u *User) SetInputAuthority(authority wire.Authority, initiator uint32) {
	u.mu.Lock()
	current := u.authority
	if current == authority {
		u.mu.Unlock()
		return
	}
	initiatorIsClient := initiator != u.id
	if !(authority == wire.AuthorityClient || initiatorIsClient) {
		u.mu.Unlock()
		return
	}
	u.authority = authority
	if authority == wire.AuthorityHost {
		u.authorityOwner = u.id
	} else {
		u.authorityOwner = initiator
	}
	room := u.room
	selfEcho := authority == wire.AuthorityClient || !initiatorIsClient
	u.mu.Unlock()

	p := packet.New(nil)
	p.WriteU8(byte(wire.OpDelegateAuthority)).WriteU32(u.id).WriteU8(byte(authority)).WriteU32(initiator)
	if room != nil {
		for _, other := range room.Users() {
			if other == u && !selfEcho {
				continue
			}
			other.conn.Send(p)
		}
	}
}

func trimName(s string) string {
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}

// --- outbound packets ---

func (u *User) SendAccept(users []wire.UserInfo) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpAccept)).WriteU32(u.id)
	p.WriteVarint(uint64(len(users)))
	for _, info := range users {
		info.WriteTo(p)
	}
	u.conn.Send(p)
}

func (u *User) SendJoin(id uint32, name string) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpJoin)).WriteU32(id).WriteString(name)
	u.conn.Send(p)
}

func (u *User) SendQuit(id uint32) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpQuit)).WriteU32(id)
	u.conn.Send(p)
}

func (u *User) SendName(id uint32, name string) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpName)).WriteU32(id).WriteString(name)
	u.conn.Send(p)
}

func (u *User) SendPath(path string) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpPath)).WriteString(path)
	u.conn.Send(p)
}

func (u *User) SendPing() {
	u.mu.Lock()
	u.lastPingSent = time.Now()
	ts := u.lastPingSent
	canUDP := u.canSendUDP
	u.mu.Unlock()

	p := packet.New(nil)
	p.WriteU8(byte(wire.OpPing)).WriteU64(uint64(ts.UnixNano()))
	if canUDP {
		u.conn.SendUDP(p, true)
	}
	u.conn.Send(p) // always also reliably, so latency keeps working until UDP is confirmed
}

func (u *User) SendLag(lag uint8) {
	u.mu.Lock()
	u.lag = lag
	u.mu.Unlock()
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpLag)).WriteU8(lag).WriteU8(1).WriteU8(1) // lag, source_lag, room_lag
	u.conn.Send(p)
}

func (u *User) SendInfo(message string) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpMessage)).WriteU32(0xFFFFFFFF).WriteString(message)
	u.conn.Send(p)
}

func (u *User) SendError(message string) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpMessage)).WriteU32(0xFFFFFFFE).WriteString(message)
	u.conn.Send(p)
}

func (u *User) SendStartGame() {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpStart))
	u.conn.Send(p)
}

func (u *User) SendHIARate(hz uint32) {
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpInputRate)).WriteU32(hz)
	u.conn.Send(p)
}

// WriteInputFrom appends this player's input history for the current tick to
// recipient's outbound buffers: the full capped history, transposed and
// RLE-encoded, batched over UDP for low-latency delivery, plus the single
// most recent sample sent reliably over TCP as redundancy — so a recipient
// who has missed some UDP datagrams can still eventually catch up to a
// contiguous history from TCP traffic alone.
func (u *User) WriteInputFrom(recipient *transport.Conn, udpBatch *packet.Packet) {
	history := u.InputHistory()
	if len(history) == 0 {
		return
	}

	flat := make([]byte, 0, len(history)*wire.SampleWireSize)
	for _, s := range history {
		buf := packet.New(nil)
		s.WriteTo(buf)
		flat = append(flat, buf.Bytes()...)
	}
	columnar, _ := packet.Transpose(flat, len(history), wire.SampleWireSize)

	batch := packet.New(nil)
	batch.WriteU8(byte(wire.OpInputData)).WriteU32(u.id)
	firstID := u.NextInputID() - uint32(len(history))
	batch.WriteVarint(uint64(firstID))
	batch.WriteVarint(uint64(len(history)))
	packet.WriteRLE(batch, columnar)
	transport.WriteSubPacket(udpBatch, batch)

	latest := packet.New(nil)
	latest.WriteU8(byte(wire.OpInputData)).WriteU32(u.id)
	latest.WriteVarint(uint64(u.NextInputID() - 1))
	latest.WriteVarint(1)
	lastSample := packet.New(nil)
	history[len(history)-1].WriteTo(lastSample)
	packet.WriteRLE(latest, lastSample.Bytes())
	recipient.Send(latest)
}
