package netserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netplay64/internal/packet"
	"netplay64/internal/transport"
	"netplay64/internal/wire"
)

// Server owns the accept loop, the room table, and the 1-second global room
// tick. Rooms are created lazily on first join and removed on close; no
// other component mutates the room table.
type Server struct {
	mu    sync.Mutex
	rooms map[string]*Room

	nextUserID atomic.Uint32

	listener *net.TCPListener

	onRoomEvent func(roomID, kind, detail string)
}

// NewServer constructs a server bound to addr (":port" binds dual-stack
// IPv6, falling back to IPv4-only if that fails).
func NewServer(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		ln, err = net.Listen("tcp4", addr)
		if err != nil {
			return nil, fmt.Errorf("netserver: listen: %w", err)
		}
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("netserver: listener is not TCP")
	}
	return &Server{rooms: make(map[string]*Room), listener: tcpLn}, nil
}

// SetOnRoomEvent installs an operator-telemetry callback applied to every
// room this server creates from now on.
func (s *Server) SetOnRoomEvent(fn func(roomID, kind, detail string)) {
	s.mu.Lock()
	s.onRoomEvent = fn
	s.mu.Unlock()
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run accepts connections until ctx is cancelled or the listener errors.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	if port, ok := s.listener.Addr().(*net.TCPAddr); ok {
		fmt.Printf("Listening on port %d...\n", port.Port)
	}

	go s.runGlobalTick(ctx)

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("netserver: accept: %w", err)
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// runGlobalTick fires every room's OnTick once per second — the server's
// single global timer, cancelled only when ctx ends.
func (s *Server) runGlobalTick(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range s.snapshotRooms() {
				r.OnTick()
			}
		}
	}
}

func (s *Server) snapshotRooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

func (s *Server) handleConnection(ctx context.Context, tcp *net.TCPConn) {
	id := s.nextUserID.Add(1)

	var u *User
	conn := transport.New(tcp, func(p *packet.Packet, reliable bool) {
		op, err := p.ReadU8()
		if err != nil {
			return
		}
		if err := u.OnReceive(s, wire.Opcode(op), p, reliable); err != nil {
			log.Printf("[user %d] %v", id, err)
		}
	}, func(err error) {
		u.errorHandler(s)(err)
	})
	u = NewUser(id, conn)

	version := packet.New(nil)
	version.WriteU8(byte(wire.OpVersion)).WriteU32(wire.ProtocolVersion)
	conn.Send(version)

	conn.ReadLoopTCP()
}

// roomFor returns the room for path, creating it (with a generated id if
// path is empty) on first reference.
func (s *Server) roomFor(path string) *Room {
	id := strings.Trim(path, "/")
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		return r
	}
	r := NewRoom(id, s)
	if s.onRoomEvent != nil {
		fn := s.onRoomEvent
		r.SetOnEvent(func(kind, detail string) { fn(id, kind, detail) })
	}
	s.rooms[id] = r
	return r
}

func (s *Server) onRoomClose(r *Room) {
	s.mu.Lock()
	delete(s.rooms, r.ID())
	s.mu.Unlock()
}

func (s *Server) onUserGone(u *User) {
	// The user's own Room.OnUserQuit call (triggered from the connection's
	// error handler) has already removed it from room bookkeeping; nothing
	// further to do at the server level beyond having released the id,
	// which is never reused (ids are a monotonic counter).
}

// Rooms returns a snapshot of the currently open rooms, keyed by id.
func (s *Server) Rooms() map[string]*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Room, len(s.rooms))
	for k, v := range s.rooms {
		out[k] = v
	}
	return out
}
