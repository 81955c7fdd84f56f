package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/StanleyLabs/meshcall/call"
	"github.com/StanleyLabs/meshcall/media"
	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Headless participant: joins a channel with synthetic media and logs what
// the hub tells it. Useful for smoke-testing a room without a browser.
func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		hubURL   = fs.StringP("hub-url", "u", "ws://localhost:8888/signal", "signaling hub url")
		channel  = fs.StringP("channel", "c", "demo", "channel to join")
		name     = fs.StringP("name", "n", "", "display name to broadcast")
		logLevel = fs.StringP("log-level", "l", "debug", "log level")
		audio    = fs.Bool("audio", true, "send synthetic audio")
		video    = fs.Bool("video", true, "send synthetic video")
		stunURLs = fs.StringSlice("stun-urls", []string{"stun:stun.l.google.com:19302"}, "stun server urls")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	session := call.NewSession(call.Config{
		Logger:      &logger,
		HubURL:      *hubURL,
		Channel:     *channel,
		DisplayName: *name,
		Constraints: media.Constraints{Audio: *audio, Video: *video},
		ICEServers:  []webrtc.ICEServer{{URLs: *stunURLs}},
		Observer: func(state call.State, snapshot call.Context) {
			logger.Info().
				Str("state", state.String()).
				Int("peers", len(snapshot.Peers)).
				Msg("call state")
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx)
	}()

	select {
	case err = <-done:
		if err != nil {
			logger.Error().Err(err).Msg("call ended with error")
		}
	case <-ctx.Done():
		logger.Warn().Msg("interrupted, leaving")
		session.Leave()
		<-done
	}

	logger.Debug().Msg(spew.Sdump(session.Snapshot()))
}
