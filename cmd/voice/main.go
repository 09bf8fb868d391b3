// Command voice runs one live voice session from the terminal: it negotiates
// a session, opens the realtime socket, bridges the local microphone and
// speaker, and prints turn activity until interrupted or the session ends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/willemave/news-app-sub002/internal/audio"
	"github.com/willemave/news-app-sub002/internal/config"
	"github.com/willemave/news-app-sub002/internal/negotiate"
	"github.com/willemave/news-app-sub002/internal/session"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()
	cfg := config.Load(log)
	log = log.Level(cfg.LogLevel)

	bridge, err := audio.NewDeviceBridge(cfg.SampleRateHz, cfg.CaptureFormat, cfg.TTSFormat, log)
	if err != nil {
		log.Fatal().Err(err).Msg("audio setup failed")
	}

	ctrl := session.New(
		negotiate.NewClient(cfg.APIBaseURL, cfg.APIToken),
		session.WebsocketDialer{Log: log},
		bridge,
		session.Options{
			WSBaseURL: cfg.WSBaseURL,
			Token:     cfg.APIToken,
			Request: negotiate.Request{
				LaunchMode:    cfg.LaunchMode,
				SourceSurface: cfg.SourceSurface,
				ContentID:     cfg.ContentID,
				SampleRateHz:  cfg.SampleRateHz,
				RequestIntro:  cfg.RequestIntro,
			},
		},
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("session failed to start")
	}
	fmt.Println("connected, start talking (ctrl-c to hang up)")

	states := ctrl.TurnState().Watch()
	notices := ctrl.Notices()
	turns := ctrl.Turns()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("interrupt, hanging up")
			ctrl.Cancel()
			<-ctrl.Done()
			return
		case <-ctrl.Done():
			if err := ctrl.Err(); err != nil {
				log.Error().Err(err).Msg("session ended")
				os.Exit(1)
			}
			log.Info().Msg("session ended")
			return
		case st := <-states:
			fmt.Printf("[%s]\n", st)
		case n := <-notices:
			fmt.Printf("notice: %s: %s\n", n.Code, n.Message)
		case turn := <-turns:
			if turn.Text != "" {
				fmt.Printf("assistant: %s\n", turn.Text)
			}
		}
	}
}
