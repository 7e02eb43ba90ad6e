package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cbodonnell/roomlink/pkg/log"
	"github.com/cbodonnell/roomlink/pkg/server"
)

func main() {
	port := flag.Int("port", 8888, "Port to listen on")
	logLevel := flag.String("log-level", "info", "Log level")
	gracePeriod := flag.Duration("grace-period", server.DefaultGracePeriod, "How long a disconnected player's seat is held")
	maxPlayers := flag.Int("max-players", server.DefaultMaxPlayers, "Maximum players per room")
	reapInterval := flag.Duration("reap-interval", time.Minute, "How often empty rooms are removed")
	certFile := flag.String("cert-file", "", "TLS certificate file")
	keyFile := flag.String("key-file", "", "TLS key file")
	flag.Parse()

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	var tlsConfig *server.TLSConfig
	if *certFile != "" && *keyFile != "" {
		tlsConfig = &server.TLSConfig{
			CertFile: *certFile,
			KeyFile:  *keyFile,
		}
	}

	srv := server.NewServer(server.NewServerOptions{
		Port:        *port,
		TLS:         tlsConfig,
		GracePeriod: *gracePeriod,
		MaxPlayers:  *maxPlayers,
	})
	go srv.Start()

	go func() {
		ticker := time.NewTicker(*reapInterval)
		defer ticker.Stop()
		for range ticker.C {
			srv.Handler().Registry().Reap()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error("Failed to stop server: %v", err)
	}
}
