package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/StanleyLabs/meshcall/hub"
	httpServer "github.com/StanleyLabs/meshcall/server/http"
	websocketServer "github.com/StanleyLabs/meshcall/server/websocket"
	store "github.com/StanleyLabs/meshcall/storage/memory"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		stunURLs      = fs.StringSlice("stun-urls", []string{"stun:stun.l.google.com:19302"}, "stun server urls advertised to clients")
		turnURL       = fs.String("turn-url", "", "turn server url advertised to clients")
		turnUser      = fs.String("turn-user", "", "turn server username")
		turnPass      = fs.String("turn-pass", "", "turn server credential")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	iceServers := []httpServer.ICEServer{{URLs: *stunURLs}}
	if *turnURL != "" {
		iceServers = append(iceServers, httpServer.ICEServer{
			URLs:       []string{*turnURL},
			Username:   *turnUser,
			Credential: *turnPass,
		})
	}

	h := hub.NewHub(store.NewStore(), &logger)
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Hub:        h,
		ICEServers: iceServers,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Hub:        h,
		ListenAddr: *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
