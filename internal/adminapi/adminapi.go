// Package adminapi exposes a read-only HTTP+WebSocket surface for operators:
// the current room table, per-room detail plus its recent event log, a
// health check, and a WebSocket feed that pushes the room table on an
// interval. It never mutates server or room state.
package adminapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"netplay64/internal/netserver"
	"netplay64/internal/store"
)

// UserSummary is the read-only view of a connected user exposed to operators.
type UserSummary struct {
	ID      uint32  `json:"id"`
	Name    string  `json:"name"`
	Latency float64 `json:"latency_s"`
}

// RoomSummary is the read-only view of a room exposed to operators.
type RoomSummary struct {
	ID          string        `json:"id"`
	Started     bool          `json:"started"`
	Lag         uint8         `json:"lag"`
	Autolag     bool          `json:"autolag"`
	Golf        bool          `json:"golf"`
	PlayerCount int           `json:"player_count"`
	Users       []UserSummary `json:"users"`
}

// API bundles the dependencies for the admin HTTP surface.
type API struct {
	server *netserver.Server
	store  *store.Store
	echo   *echo.Echo
}

// New constructs an API backed by server (for live room state) and st (for
// historical telemetry). st may be nil; the event-log endpoint then returns
// an empty log instead of failing.
func New(server *netserver.Server, st *store.Store) *API {
	a := &API{server: server, store: st, echo: echo.New()}
	a.echo.HideBanner = true
	a.echo.Use(middleware.Recover())
	a.echo.Use(middleware.Logger())

	a.echo.GET("/healthz", a.handleHealth)
	a.echo.GET("/rooms", a.handleListRooms)
	a.echo.GET("/rooms/:id", a.handleGetRoom)
	a.echo.GET("/rooms/ws", a.handleRoomsWebSocket)
	return a
}

// Handler returns the http.Handler to mount, e.g. on an *http.Server.
func (a *API) Handler() http.Handler { return a.echo }

// Run serves the admin API on addr until ctx is cancelled.
func (a *API) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListRooms(c echo.Context) error {
	rooms := a.server.Rooms()
	out := make([]RoomSummary, 0, len(rooms))
	for id, r := range rooms {
		out = append(out, summarize(id, r))
	}
	return c.JSON(http.StatusOK, out)
}

func (a *API) handleGetRoom(c echo.Context) error {
	id := c.Param("id")
	rooms := a.server.Rooms()
	r, ok := rooms[id]
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "room not found"})
	}

	type detail struct {
		RoomSummary
		Events []store.RoomEvent `json:"events,omitempty"`
	}
	d := detail{RoomSummary: summarize(id, r)}
	if a.store != nil {
		if events, err := a.store.GetRoomEvents(id, 100); err == nil {
			d.Events = events
		}
	}
	return c.JSON(http.StatusOK, d)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleRoomsWebSocket pushes the current room table once per second until
// the client disconnects or the write fails.
func (a *API) handleRoomsWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		rooms := a.server.Rooms()
		out := make([]RoomSummary, 0, len(rooms))
		for id, r := range rooms {
			out = append(out, summarize(id, r))
		}
		if err := conn.WriteJSON(out); err != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func summarize(id string, r *netserver.Room) RoomSummary {
	users := r.Users()
	out := RoomSummary{
		ID:          id,
		Started:     r.Started(),
		Lag:         r.Lag(),
		Autolag:     r.Autolag(),
		Golf:        r.Golf(),
		PlayerCount: r.PlayerCount(),
		Users:       make([]UserSummary, 0, len(users)),
	}
	for _, u := range users {
		out.Users = append(out.Users, UserSummary{
			ID:      u.ID(),
			Name:    u.Name(),
			Latency: u.GetMedianLatency(),
		})
	}
	return out
}
