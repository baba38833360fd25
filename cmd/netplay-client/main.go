// Command netplay-client is a headless driver for the netplay input-relay
// client: it joins a room, prints room/chat/lag/golf events to stdout, reads
// slash-commands and chat from stdin, and drains merged input frames as they
// arrive without printing them. Of the parsed commands only the lag commands
// are sent to the server; chat lines and other commands are ignored. Wiring
// a real emulator's GetKeys/process_input callbacks to
// Client.GetInput/ProcessLocalInput is the embedder's job; this binary
// exists to exercise and demonstrate the protocol end to end.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"

	"netplay64/internal/command"
	"netplay64/internal/netclient"
	"netplay64/internal/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6400", "server address")
	room := flag.String("room", "", "room path (empty = server assigns a new room)")
	name := flag.String("name", "", "display name (empty = a generated guest name)")
	flag.Parse()

	displayName := *name
	if displayName == "" {
		displayName = "guest-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	c, err := netclient.Dial(ctx, *addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer c.Close()

	c.SetHandlers(netclient.Handlers{
		OnJoinAccepted: func(selfID uint32, users []wire.UserInfo) {
			fmt.Printf("joined as user %d (%d other users present)\n", selfID, len(users))
		},
		OnUserJoined: func(id uint32, name string) {
			fmt.Printf("%s (id %d) joined\n", name, id)
		},
		OnUserQuit: func(id uint32) {
			fmt.Printf("user %d left\n", id)
		},
		OnMessage: func(fromID uint32, text string) {
			fmt.Printf("[%d] %s\n", fromID, text)
		},
		OnError: func(fromID uint32, text string) {
			fmt.Printf("error: %s\n", text)
		},
		OnLag: func(lag uint8) {
			fmt.Printf("lag is now %d\n", lag)
		},
		OnGolf: func(on bool) {
			fmt.Printf("golf mode: %v\n", on)
		},
		OnGameStarted: func() {
			fmt.Println("game started")
		},
		OnDisconnected: func(err error) {
			fmt.Printf("disconnected: %v\n", err)
			cancel()
		},
	})

	info := wire.UserInfo{Name: displayName}
	if err := c.Join(*room, info); err != nil {
		log.Fatalf("join: %v", err)
	}

	go pingLoop(ctx, c)
	go printMergedInput(ctx, c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, err := command.Parse(line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if err := dispatch(c, cmd); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func dispatch(c *netclient.Client, cmd command.Command) error {
	switch cmd.Kind {
	case command.KindLag:
		return c.SendLocalLag(cmd.Lag)
	default:
		return nil
	}
}

func pingLoop(ctx context.Context, c *netclient.Client) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SendPing(); err != nil {
				return
			}
		}
	}
}

func printMergedInput(ctx context.Context, c *netclient.Client) {
	for {
		sample, ok := c.GetInput()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = sample // embedders feed this to the emulator's input callback
	}
}
