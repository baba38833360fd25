package netserver

import (
	"net"
	"testing"
	"time"

	"netplay64/internal/packet"
	"netplay64/internal/transport"
	"netplay64/internal/wire"
)

// newTestUser wires up a User backed by a real loopback TCP connection whose
// peer side is drained in the background, so outbound Sends never block on
// an unread socket buffer.
func newTestUser(t *testing.T, id uint32) *User {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan *net.TCPConn, 1)
	go func() {
		c, _ := ln.Accept()
		done <- c.(*net.TCPConn)
	}()
	cli, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv := <-done

	go drainConn(srv)
	t.Cleanup(func() { cli.Close(); srv.Close() })

	conn := transport.New(cli.(*net.TCPConn), func(p *packet.Packet, reliable bool) {}, func(err error) {})
	return NewUser(id, conn)
}

func drainConn(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func TestAddInputHistoryAcceptsContiguousPrefix(t *testing.T) {
	u := newTestUser(t, 1)

	samples := make([]wire.InputSample, 20)
	for i := range samples {
		samples[i] = wire.InputSample{Data: [4]uint32{uint32(i), 0, 0, 0}}
	}

	// Accept 0..4 in order, then skip 6 (reject), then never recover within
	// this test since nothing re-sends 5.
	for i := 0; i < 5; i++ {
		if !u.AddInputHistory(uint32(i), samples[i]) {
			t.Fatalf("expected id %d to be accepted", i)
		}
	}
	if u.AddInputHistory(6, samples[6]) {
		t.Fatalf("expected out-of-order id 6 to be rejected")
	}
	if got := u.NextInputID(); got != 5 {
		t.Fatalf("next expected id = %d, want 5", got)
	}

	hist := u.InputHistory()
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want 5", len(hist))
	}
}

func TestAddInputHistoryCapsAt12(t *testing.T) {
	u := newTestUser(t, 1)
	for i := 0; i < 20; i++ {
		if !u.AddInputHistory(uint32(i), wire.InputSample{Data: [4]uint32{uint32(i), 0, 0, 0}}) {
			t.Fatalf("id %d should have been accepted", i)
		}
	}
	hist := u.InputHistory()
	if len(hist) != wire.InputHistoryLength {
		t.Fatalf("history length = %d, want %d", len(hist), wire.InputHistoryLength)
	}
	if hist[len(hist)-1].Data[0] != 19 {
		t.Fatalf("history should end at the latest accepted sample")
	}
}

func TestControllerMapDeterministicAndRespectsManual(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	room := NewRoom("test", s)

	a := newTestUser(t, 1)
	a.controllers[0].Present = true
	a.controllers[1].Present = true

	b := newTestUser(t, 2)
	b.manualMap = true
	b.controllerMap.Set(0, 3) // manual assignment, must be left untouched

	c := newTestUser(t, 3)
	c.controllers[0].Present = true

	room.users = []*User{a, b, c}
	room.UpdateControllerMap()

	if !a.ControllerMap().Get(0, 0) || !a.ControllerMap().Get(1, 1) {
		t.Fatalf("user a controller map = %v", a.ControllerMap())
	}
	if !b.ControllerMap().Get(0, 3) {
		t.Fatalf("manual-map user b was overwritten: %v", b.ControllerMap())
	}
	// a claimed dst ports 0 and 1, so c's single present source must land on 2.
	if !c.ControllerMap().Get(0, 2) {
		t.Fatalf("user c controller map = %v", c.ControllerMap())
	}
}

func TestAutolagConvergesOverTwoTicks(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	room := NewRoom("test", s)
	room.lag = 5

	p1 := newTestUser(t, 1)
	p1.controllers[0].Present = true
	p2 := newTestUser(t, 2)
	p2.controllers[0].Present = true
	room.users = []*User{p1, p2}

	// 60 fps: feed enough timestamps ~16.67ms apart to derive fps == 60.
	now := time.Now()
	for i := 0; i < 8; i++ {
		p1.inputTimestamps = append(p1.inputTimestamps, now.Add(time.Duration(i)*time.Second/60))
	}
	p1.latencyHistory = []float64{0.05}
	p2.latencyHistory = []float64{0.03}

	// ideal_lag = ceil(tail_latency * fps - 0.1); tail_latency = max(0, 0.05+0.03)/2 = 0.04
	// ideal_lag = ceil(0.04*60 - 0.1) = ceil(2.3) = 3
	room.AutoAdjustLag()
	if room.Lag() != 4 {
		t.Fatalf("after tick 1, lag = %d, want 4 (stepped down from 5)", room.Lag())
	}
	room.AutoAdjustLag()
	if room.Lag() != 3 {
		t.Fatalf("after tick 2, lag = %d, want 3", room.Lag())
	}
	// Converged: a third tick should not move it further.
	room.AutoAdjustLag()
	if room.Lag() != 3 {
		t.Fatalf("after tick 3, lag = %d, want steady at 3", room.Lag())
	}
}

func TestGolfForcesAutolagOffAndHostAuthority(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	room := NewRoom("test", s)
	room.autolag = true
	room.lag = 5

	u := newTestUser(t, 1)
	u.SetInputAuthority(wire.AuthorityClient, 1)
	room.users = []*User{u}
	u.room = room

	room.SetGolf(true)

	if room.Autolag() {
		t.Fatalf("autolag should be forced off by golf")
	}
	if room.Lag() != 0 {
		t.Fatalf("lag should be reset to 0 by golf, got %d", room.Lag())
	}
	if u.authority != wire.AuthorityHost {
		t.Fatalf("user authority should be forced to host, got %v", u.authority)
	}
}

// encodeInputBatch mirrors internal/netclient's sendInputBatch UDP-batch
// wire layout: firstID varint, count varint, RLE(transpose(flat, rows, cols)).
func encodeInputBatch(firstID uint32, history []wire.InputSample) []byte {
	flat := make([]byte, 0, len(history)*wire.SampleWireSize)
	for _, s := range history {
		tmp := packet.New(nil)
		s.WriteTo(tmp)
		flat = append(flat, tmp.Bytes()...)
	}
	transposed, err := packet.Transpose(flat, len(history), wire.SampleWireSize)
	if err != nil {
		panic(err)
	}
	batch := packet.New(nil)
	batch.WriteVarint(uint64(firstID))
	batch.WriteVarint(uint64(len(history)))
	packet.WriteRLE(batch, transposed)
	return batch.Bytes()
}

// TestInputHistoryStaysContiguousAcrossOverlappingUDPBatches covers scenario
// S4: a client resends its last InputHistoryLength frames on every UDP
// datagram so a dropped packet is simply superseded by the next, larger
// batch. Feeding two overlapping batches (the second repeating part of the
// first, as it would after a lost datagram is followed by the next one)
// must leave the server's history contiguous with no gaps and no duplicate
// broadcasts of frames already accepted.
func TestInputHistoryStaysContiguousAcrossOverlappingUDPBatches(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	room := NewRoom("test", s)

	sender := newTestUser(t, 1)
	sender.SetInputAuthority(wire.AuthorityClient, 1)
	observer := newTestUser(t, 2)
	room.users = []*User{sender, observer}
	sender.room = room

	all := make([]wire.InputSample, 10)
	for i := range all {
		all[i] = wire.InputSample{Data: [4]uint32{uint32(i), 0, 0, 0}}
	}

	// First datagram: frames 0..4 (firstID 0, count 5).
	body1 := encodeInputBatch(0, all[0:5])
	if err := sender.handleInputData(room, packet.New(body1), false); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	// Second datagram overlaps the first (frames 2..4 repeat) and also carries
	// frames 5..9, as the next datagram would after intermediate ones were
	// lost: frames 2..9 (firstID 2, count 8).
	body2 := encodeInputBatch(2, all[2:10])
	if err := sender.handleInputData(room, packet.New(body2), false); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	if got := sender.NextInputID(); got != 10 {
		t.Fatalf("next expected id = %d, want 10 (contiguous through frame 9)", got)
	}
	hist := sender.InputHistory()
	if len(hist) != 10 {
		t.Fatalf("history length = %d, want 10 (frames 0..9, under the %d cap)", len(hist), wire.InputHistoryLength)
	}
	if hist[len(hist)-1].Data[0] != 9 {
		t.Fatalf("history should end at frame 9, got %d", hist[len(hist)-1].Data[0])
	}
}

// TestFanOutHostInputBroadcastsMergedFrameToOtherUsers covers scenario S1:
// the host's current per-tick sample is fanned out to every connected user
// as a single OpInputData frame, tagged with the host's own user id; the
// test reads what the other user receives.
func TestFanOutHostInputBroadcastsMergedFrameToOtherUsers(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	room := NewRoom("test", s)

	host := newTestUser(t, 1)
	host.controllers[0].Present = true
	host.currentInput = wire.InputSample{Data: [4]uint32{42, 0, 0, 0}}

	var sent []byte
	spyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer spyLn.Close()
	spyDone := make(chan *net.TCPConn, 1)
	go func() {
		c, _ := spyLn.Accept()
		spyDone <- c.(*net.TCPConn)
	}()
	spyCli, err := net.Dial("tcp", spyLn.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	spySrv := <-spyDone
	t.Cleanup(func() { spyCli.Close(); spySrv.Close() })

	other := NewUser(2, transport.New(spyCli.(*net.TCPConn), func(p *packet.Packet, reliable bool) {}, func(err error) {}))
	room.users = []*User{host, other}

	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 64)
		n, _ := spySrv.Read(buf)
		sent = buf[:n]
		close(readDone)
	}()

	room.fanOutHostInput()

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast to reach the other user")
	}

	frame := packet.New(sent)
	opLen, err := frame.ReadVarint()
	if err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	body, err := frame.ReadBytes(int(opLen))
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	bp := packet.New(body)
	op, err := bp.ReadU8()
	if err != nil || wire.Opcode(op) != wire.OpInputData {
		t.Fatalf("opcode = %d, err %v, want OpInputData", op, err)
	}
	fromID, err := bp.ReadU32()
	if err != nil || fromID != 1 {
		t.Fatalf("from id = %d, err %v, want 1", fromID, err)
	}
	sample, err := wire.ReadInputSample(bp)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if sample.Data[0] != 42 {
		t.Fatalf("sample = %+v, want Data[0] == 42", sample)
	}
}

// TestGolfResetsEveryUserToHostAuthority extends the golf coverage in
// TestGolfForcesAutolagOffAndHostAuthority to multiple users, checking that
// every connected user (not just the one already tracked) is forced back to
// host authority, and that turning golf off leaves authority where it is.
func TestGolfResetsEveryUserToHostAuthority(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	room := NewRoom("test", s)
	room.autolag = true
	room.lag = 5

	u1 := newTestUser(t, 1)
	u1.SetInputAuthority(wire.AuthorityClient, 1)
	u1.room = room
	u2 := newTestUser(t, 2)
	u2.SetInputAuthority(wire.AuthorityClient, 2)
	u2.room = room
	room.users = []*User{u1, u2}

	room.SetGolf(true)

	if !room.Golf() {
		t.Fatalf("golf should be on")
	}
	if u1.authority != wire.AuthorityHost || u2.authority != wire.AuthorityHost {
		t.Fatalf("every user should be forced to host authority, got u1=%v u2=%v", u1.authority, u2.authority)
	}
	if room.Autolag() {
		t.Fatalf("autolag should be forced off")
	}
	if room.Lag() != 0 {
		t.Fatalf("lag should be reset to 0, got %d", room.Lag())
	}

	// Turning golf back off must not itself force authority anywhere else;
	// it only stops forcing host authority going forward.
	room.SetGolf(false)
	if room.Golf() {
		t.Fatalf("golf should be off")
	}
	if u1.authority != wire.AuthorityHost || u2.authority != wire.AuthorityHost {
		t.Fatalf("turning golf off should not change authority, got u1=%v u2=%v", u1.authority, u2.authority)
	}
}

func TestPlayerLeavingAfterStartClosesRoom(t *testing.T) {
	s, err := NewServer("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	room := NewRoom("test", s)
	room.started = true

	p := newTestUser(t, 1)
	p.controllers[0].Present = true
	p.room = room
	room.users = []*User{p}
	s.rooms["test"] = room

	room.OnUserQuit(p)

	if _, ok := s.Rooms()["test"]; ok {
		t.Fatalf("room should have been closed and removed after a player quit post-start")
	}
}
