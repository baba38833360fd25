// Package netserver implements the rendezvous server: the accept loop
// (Server), per-room coordination (Room), and per-connection session state
// (User). A Room owns its users and its input-tick timer; a Server owns its
// room table and the users' connections. Neither holds a strong reference
// back to the other in a way that would leak: a Room's reference to its
// Server exists only to report room-close, and is never used to keep the
// Server alive past its own lifetime.
package netserver

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"netplay64/internal/packet"
	"netplay64/internal/wire"
)

// Room is the coordination core for one set of connected players: it owns
// join/quit sequencing, lag and autolag, the controller map, golf mode,
// input authority, and (when host-input-authority is enabled) the fixed
// interval input tick.
type Room struct {
	mu sync.RWMutex

	id     string
	server *Server // back-reference only, never retains the Server past its own call

	users   []*User
	started bool

	lag     uint8
	autolag bool
	golf    bool

	hiaRate       uint32 // 0 = host-input-authority disabled
	nextInputTick time.Time
	tickGen       int // bumped on Close to invalidate any in-flight timer callback

	onEvent func(kind, detail string) // optional operator-telemetry hook
}

// NewRoom creates a room with default lag and autolag enabled, matching the
// defaults a freshly created room has before any client has changed them.
func NewRoom(id string, server *Server) *Room {
	return &Room{
		id:      id,
		server:  server,
		lag:     wire.DefaultLag,
		autolag: true,
	}
}

// ID returns the room's path-derived identifier.
func (r *Room) ID() string { return r.id }

// SetOnEvent installs an operator-telemetry callback invoked outside any
// lock; it is safe for it to call back into the room.
func (r *Room) SetOnEvent(fn func(kind, detail string)) {
	r.mu.Lock()
	r.onEvent = fn
	r.mu.Unlock()
}

func (r *Room) emit(kind, detail string) {
	r.mu.RLock()
	fn := r.onEvent
	r.mu.RUnlock()
	if fn != nil {
		fn(kind, detail)
	}
}

// Close disconnects every user and reports the room as finished to the
// server. It is the only way a room's lifetime ends (invariant: started
// only ever transitions false -> true, and destruction is the sole exit).
func (r *Room) Close() {
	r.mu.Lock()
	r.tickGen++
	users := append([]*User(nil), r.users...)
	r.mu.Unlock()

	for _, u := range users {
		u.conn.Close(nil)
	}
	if r.server != nil {
		r.server.onRoomClose(r)
	}
	r.emit("room_closed", r.id)
}

// GetUser returns the user with the given id, or nil.
func (r *Room) GetUser(id uint32) *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.ID() == id {
			return u
		}
	}
	return nil
}

// Users returns a snapshot of the current member list in join order.
func (r *Room) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*User(nil), r.users...)
}

// OnUserJoin admits user into the room: rejects joins once the game has
// started, otherwise sends the new arrival a full ACCEPT snapshot, tells
// every existing member (and the joiner, for each existing member and
// itself) about the join, assigns the controller map, and broadcasts
// CONTROLLERS and the current golf/HIA state.
func (r *Room) OnUserJoin(u *User) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		u.SendError("Game is already in progress")
		u.conn.Close(nil)
		return
	}

	u.SendAccept(r.snapshotLocked())

	for _, existing := range r.users {
		existing.SendJoin(u.ID(), u.Name())
	}
	r.users = append(r.users, u)
	log.Printf("[room %s] %s joined", r.id, u.Name())
	u.setRoom(r)

	for _, existing := range r.users {
		u.SendJoin(existing.ID(), existing.Name())
	}
	u.SendPing()

	if r.hiaRate == 0 {
		u.SendLag(r.lag)
	}

	r.updateControllerMapLocked()
	golf, hia := r.golf, r.hiaRate
	r.mu.Unlock()

	r.broadcastControllers()

	if golf && hia == 0 {
		p := packet.New(nil)
		p.WriteU8(byte(wire.OpGolf)).WriteU8(1)
		u.conn.Send(p)
	}
	u.SendHIARate(hia)
	r.emit("user_joined", u.Name())
}

// snapshotLocked returns every current member's UserInfo, for an ACCEPT
// payload. Caller must hold r.mu.
func (r *Room) snapshotLocked() []wire.UserInfo {
	out := make([]wire.UserInfo, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.Info())
	}
	return out
}

// OnUserQuit removes user from the room, notifying everyone first (so a
// QUIT for id N is never followed by traffic that still expects N to be a
// member). A player leaving after the game has started tears the whole room
// down; otherwise the room just re-derives its controller map.
func (r *Room) OnUserQuit(u *User) {
	r.mu.Lock()
	idx := -1
	for i, existing := range r.users {
		if existing == u {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return
	}

	for _, existing := range r.users {
		existing.SendQuit(u.ID())
	}
	r.users = append(r.users[:idx], r.users[idx+1:]...)
	log.Printf("[room %s] %s quit", r.id, u.Name())

	startedAndPlayer := r.started && u.IsPlayer()
	empty := len(r.users) == 0
	if !startedAndPlayer && !empty {
		r.updateControllerMapLocked()
	}
	r.mu.Unlock()

	switch {
	case startedAndPlayer, empty:
		r.Close()
	default:
		r.broadcastControllers()
	}
	r.emit("user_quit", u.Name())
}

// GetLatency returns the room's "tail latency" figure used by autolag: the
// mean of the two highest player median-latencies (or 0 if fewer than two
// players have reported any).
func (r *Room) GetLatency() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max1, max2 := math.Inf(-1), math.Inf(-1)
	for _, u := range r.users {
		if !u.IsPlayer() {
			continue
		}
		lat := u.GetMedianLatency()
		if math.IsNaN(lat) {
			continue
		}
		if lat > max1 {
			max2 = max1
			max1 = lat
		} else if lat > max2 {
			max2 = lat
		}
	}
	return math.Max(0, max1+max2) / 2
}

// GetFPS returns the first player's observed input rate, or NaN if there is
// no player yet or none has sent enough samples to measure one.
func (r *Room) GetFPS() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.IsPlayer() {
			return u.GetFPS()
		}
	}
	return math.NaN()
}

// AutoAdjustLag steps the room's lag by exactly one toward the ideal lag
// implied by current tail latency and fps, once per call. It is a no-op
// when fps is unknown.
func (r *Room) AutoAdjustLag() {
	fps := r.GetFPS()
	if math.IsNaN(fps) {
		return
	}
	idealLag := int(math.Ceil(r.GetLatency()*fps - 0.1))
	if idealLag > 255 {
		idealLag = 255
	}

	r.mu.RLock()
	lag := int(r.lag)
	r.mu.RUnlock()

	if idealLag < lag {
		r.SendLag(-1, uint8(lag-1))
	} else if idealLag > lag {
		r.SendLag(-1, uint8(lag+1))
	}
}

// OnTick runs the once-per-second room housekeeping: broadcast latencies,
// adjust lag if autolag is enabled and HIA is not, and ping everyone.
func (r *Room) OnTick() {
	r.SendLatencies()

	r.mu.RLock()
	auto, hia := r.autolag, r.hiaRate
	r.mu.RUnlock()
	if auto && hia == 0 {
		r.AutoAdjustLag()
	}

	for _, u := range r.Users() {
		u.SendPing()
	}
}

// OnGameStart flips started false->true exactly once, tells everyone the
// game has begun, and — if host-input-authority is enabled — kicks off the
// fixed-rate input tick loop.
func (r *Room) OnGameStart() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	hia := r.hiaRate
	r.mu.Unlock()

	for _, u := range r.Users() {
		u.SendStartGame()
	}

	if hia > 0 {
		r.mu.Lock()
		r.nextInputTick = time.Now()
		gen := r.tickGen
		r.mu.Unlock()
		go r.runInputTick(gen)
	}
	r.emit("game_started", r.id)
}

// runInputTick drives the host-input-authority fan-out: every 1/hiaRate
// seconds, broadcast each player's current host-supplied input to every
// member (that player included), catching up without drift if the process briefly stalled
// past one or more deadlines.
func (r *Room) runInputTick(gen int) {
	for {
		r.mu.RLock()
		stale := gen != r.tickGen
		due := r.nextInputTick
		hia := r.hiaRate
		r.mu.RUnlock()
		if stale || hia == 0 {
			return
		}

		now := time.Now()
		if due.After(now) {
			time.Sleep(due.Sub(now))
			continue
		}

		for due.Compare(time.Now()) <= 0 {
			r.fanOutHostInput()

			r.mu.Lock()
			if gen != r.tickGen {
				r.mu.Unlock()
				return
			}
			r.nextInputTick = r.nextInputTick.Add(time.Second / time.Duration(r.hiaRate))
			due = r.nextInputTick
			r.mu.Unlock()
		}
	}
}

func (r *Room) fanOutHostInput() {
	users := r.Users()
	for _, p := range users {
		if !p.IsPlayer() {
			continue
		}
		sample := p.CurrentInput()
		frame := packet.New(nil)
		frame.WriteU8(byte(wire.OpInputData)).WriteU32(p.ID())
		sample.WriteTo(frame)
		for _, u := range users {
			u.conn.Send(frame)
		}
	}
	for _, u := range users {
		u.conn.Flush()
	}
}

// UpdateControllerMap reassigns destination controller ports: users are
// walked in join order, manual-map users are skipped entirely, and each
// present source port on every remaining user claims the next free
// destination port (shared across the whole room, 0..3).
func (r *Room) UpdateControllerMap() {
	r.mu.Lock()
	r.updateControllerMapLocked()
	r.mu.Unlock()
}

func (r *Room) updateControllerMapLocked() {
	dst := 0
	for _, u := range r.users {
		if u.ManualMap() {
			continue
		}
		u.clearControllerMap()
		controllers := u.Controllers()
		for src := 0; src < 4 && dst < 4; src++ {
			if controllers[src].Present {
				u.setControllerMapEntry(src, dst)
				dst++
			}
		}
	}
}

// broadcastControllers sends every user's controller descriptors and
// current map to every member, as one CONTROLLERS packet per recipient.
func (r *Room) broadcastControllers() {
	users := r.Users()
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpControllers))
	for _, u := range users {
		wire.WriteControllersPacket(p, u.ID(), u.Controllers(), u.ControllerMap())
	}
	for _, u := range users {
		u.conn.Send(p)
	}
}

// SendInfo broadcasts an informational (non-error) message to every user.
func (r *Room) SendInfo(message string) {
	for _, u := range r.Users() {
		u.SendInfo(message)
	}
}

// SendError logs and broadcasts an error message to every user.
func (r *Room) SendError(message string) {
	log.Printf("[room %s] %s", r.id, message)
	for _, u := range r.Users() {
		u.SendError(message)
	}
}

// SendLag sets the room's lag and broadcasts the change. sourceID is the
// user who requested the change, or -1 if the server itself (e.g. autolag)
// initiated it. Every user except the source receives a LAG packet setting
// their own lag; an info line is only broadcast for user-initiated changes
// (sourceID >= 0), per the protocol's "no log spam for automatic steps"
// convention.
func (r *Room) SendLag(sourceID int64, lag uint8) {
	r.mu.Lock()
	r.lag = lag
	r.mu.Unlock()

	var who string
	if sourceID < 0 {
		who = "The server"
	} else if u := r.GetUser(uint32(sourceID)); u != nil {
		who = u.Name()
	} else {
		who = "Someone"
	}
	message := fmt.Sprintf("%s set the lag to %d", who, lag)

	fps := r.GetFPS()
	if fps > 0 {
		latencySeconds := float64(lag) / fps
		message = fmt.Sprintf("%s (%d ms)", message, int(latencySeconds*1000))
	}

	for _, u := range r.Users() {
		if int64(u.ID()) != sourceID {
			u.SendLag(lag)
		}
		if sourceID >= 0 {
			u.SendInfo(message)
		}
	}
}

// SendLatencies broadcasts every member's current median latency to the
// whole room, unreliably (this is purely informational and safe to drop).
func (r *Room) SendLatencies() {
	users := r.Users()
	p := packet.New(nil)
	p.WriteU8(byte(wire.OpLatency))
	for _, u := range users {
		p.WriteU32(u.ID()).WriteF64(u.GetMedianLatency())
	}
	for _, u := range users {
		u.conn.SendUDP(p, false)
	}
}

// SetGolf toggles golf mode. Enabling it forces autolag off, resets lag to
// zero for everyone, and forces every user to host authority; disabling it
// only flips the flag back. Both cases broadcast GOLF to every member; no
// informational chat message is sent.
func (r *Room) SetGolf(on bool) {
	r.mu.Lock()
	r.golf = on
	if on {
		r.autolag = false
	}
	users := append([]*User(nil), r.users...)
	r.mu.Unlock()

	p := packet.New(nil)
	p.WriteU8(byte(wire.OpGolf)).WriteU8(boolByte(on))
	for _, u := range users {
		u.conn.Send(p)
	}

	if on {
		r.SendLag(-1, 0)
		for _, u := range users {
			u.ForceHostAuthority()
		}
	}
}

func (r *Room) Golf() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.golf
}

func (r *Room) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

func (r *Room) Autolag() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.autolag
}

func (r *Room) SetAutolag(on bool) {
	r.mu.Lock()
	r.autolag = on
	r.mu.Unlock()
}

func (r *Room) Lag() uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lag
}

func (r *Room) HIARate() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hiaRate
}

// SetHIARate clamps and applies a new host-input-authority rate.
func (r *Room) SetHIARate(hz uint32) {
	r.mu.Lock()
	r.hiaRate = wire.ClampHIARate(hz)
	r.mu.Unlock()
}

// PlayerCount returns how many current members are players (have at least
// one present controller) rather than pure spectators.
func (r *Room) PlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, u := range r.users {
		if u.IsPlayer() {
			n++
		}
	}
	return n
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// medianOf7 returns the 4th order statistic (sorted middle element) of up to
// 7 latency samples, or NaN if empty.
func medianOf7(samples []float64) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}
