package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"netplay64/internal/adminapi"
	"netplay64/internal/netserver"
	"netplay64/internal/store"
)

func main() {
	addr := flag.String("addr", ":6400", "TCP listen address")
	adminAddr := flag.String("admin-addr", ":6401", "admin HTTP/WebSocket listen address (empty to disable)")
	dbPath := flag.String("db", "netplay64.db", "SQLite telemetry database path")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	srv, err := netserver.NewServer(*addr)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	srv.SetOnRoomEvent(func(roomID, kind, detail string) {
		if err := st.InsertRoomEvent(roomID, kind, detail); err != nil {
			log.Printf("[store] insert room event: %v", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[server] shutting down...")
		cancel()
	}()

	if *adminAddr != "" {
		api := adminapi.New(srv, st)
		go func() {
			if err := api.Run(ctx, *adminAddr); err != nil {
				log.Printf("[adminapi] %v", err)
			}
		}()
		log.Printf("[adminapi] listening on %s", *adminAddr)
	}

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					log.Printf("[store] optimize: %v", err)
				}
			}
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[server] %v", err)
	}
}
