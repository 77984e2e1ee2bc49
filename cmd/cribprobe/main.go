// cribprobe joins a monitoring room as a headless viewer and reports
// whether a peer media path can be established through the relay.
// License AGPL3

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mjiwon/cribwatch/internal/rtc"
	pion "github.com/pion/webrtc/v4"
	flag "github.com/spf13/pflag"
)

var logger = log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)

func main() {
	f := flag.NewFlagSet("cribprobe", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	var (
		server  = f.String("server", "ws://localhost:9000/ws", "Websocket URL of the relay")
		room    = f.String("room", "", "Room key to join")
		stun    = f.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
		timeout = f.Duration("timeout", 2*time.Minute, "Give up after this long")
	)
	f.Parse(os.Args[1:])

	if *room == "" {
		logger.Fatal("--room is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := rtc.NewClient(rtc.ClientConfig{
		URL:  *server,
		Room: *room,
		OnLoading: func(on bool) {
			if on {
				logger.Printf("waiting for remote media")
			}
		},
	}, logger)

	// The probe carries no camera: it negotiates a receive-only video path,
	// so its local media is trivially ready.
	session := rtc.NewSession(func() (rtc.Transport, error) {
		return rtc.NewPionTransport(rtc.PionConfig{
			STUNServers:  *stun,
			ReceiveVideo: true,
			OnTrack: func(track *pion.TrackRemote) {
				logger.Printf("receiving remote media: %s", track.Codec().MimeType)
			},
			OnConnected: client.TransportConnected,
		}, client.Send, logger)
	}, client.Send, logger)
	defer session.Close()

	client.MediaReady()

	err := client.Run(ctx, session)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
	case errors.Is(err, context.DeadlineExceeded):
		logger.Fatalf("gave up in state %s after %v", session.State(), *timeout)
	case errors.Is(err, rtc.ErrRoomFull):
		logger.Fatalf("room %s is full", *room)
	case errors.Is(err, rtc.ErrPeerLeft):
		logger.Fatalf("peer left in state %s", session.State())
	default:
		logger.Fatalf("probe failed in state %s: %v", session.State(), err)
	}

	logger.Printf("final state: %s", session.State())
}
