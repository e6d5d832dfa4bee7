package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-chatroom/chatserver"
	"github.com/cyberinferno/go-chatroom/config"
	"github.com/cyberinferno/go-chatroom/logger"
)

const stopCommand = "stop"

func main() {
	os.Exit(run())
}

func run() int {
	boot := logger.NewConsoleLogger(os.Stderr, "chatserver", zerolog.InfoLevel)

	cfg, err := config.LoadServerConfig(config.ServerFileName)
	if err != nil {
		boot.Error("invalid configuration", logger.Field{Key: "error", Value: err})
		return 1
	}

	if config.Exists(config.ServerFileName) {
		boot.Info("configuration loaded", logger.Field{Key: "file", Value: config.ServerFileName})
	}

	log, err := newLogger(cfg)
	if err != nil {
		boot.Error("failed to set up logging", logger.Field{Key: "error", Value: err})
		return 1
	}
	defer log.Close()

	srv := chatserver.NewServer(cfg, log)
	if err := srv.Start(); err != nil {
		log.Error("could not start", logger.Field{Key: "error", Value: err})
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go watchConsole(os.Stdin, cancel, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.Serve()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down", logger.Field{Key: "members", Value: srv.Registry().Size()})
		srv.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", logger.Field{Key: "error", Value: err})
		return 1
	}

	return 0
}

func newLogger(cfg config.ServerConfig) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir != "" {
		return logger.NewZerologFileLogger("chatserver", cfg.LogDir, level)
	}

	return logger.NewConsoleLogger(os.Stderr, "chatserver", level), nil
}

// watchConsole calls stop when the operator types the literal line "stop".
// End of input leaves the server running.
func watchConsole(r io.Reader, stop context.CancelFunc, log logger.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == stopCommand:
			stop()
			return
		case strings.TrimSpace(line) == "":
		default:
			log.Warn("unknown console command", logger.Field{Key: "command", Value: line})
		}
	}
}
