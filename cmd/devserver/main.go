// Command devserver runs the local voice backend stand-in used to exercise
// the client end to end without production access.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/willemave/news-app-sub002/internal/config"
	"github.com/willemave/news-app-sub002/internal/devserver"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger()
	cfg := config.Load(log)
	log = log.Level(cfg.LogLevel)

	srv := devserver.New(devserver.Config{
		Address:        cfg.DevServerAddress,
		Token:          cfg.APIToken,
		SampleRateHz:   cfg.SampleRateHz,
		DeepgramAPIKey: cfg.DeepgramAPIKey,
	}, log)

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("dev server exited")
	}
}
