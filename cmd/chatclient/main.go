package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/cyberinferno/go-chatroom/chatclient"
	"github.com/cyberinferno/go-chatroom/config"
	"github.com/cyberinferno/go-chatroom/logger"
	"github.com/cyberinferno/go-chatroom/protocol"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	d := newDisplay()

	cfg, err := config.LoadClientConfig(config.ClientFileName)
	if err != nil {
		d.errorf("invalid configuration: %v", err)
		return 1
	}

	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		cfg.Host = strings.TrimSpace(args[0])
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		d.errorf("%v", err)
		return 1
	}
	log := logger.NewConsoleLogger(os.Stderr, "chatclient", level)
	defer log.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := chatclient.New(chatclient.Config{
		Address:           cfg.Address(),
		ConnectionTimeout: cfg.DialTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	})
	client.OnConnectionState(func(ev chatclient.ConnectionStateEvent) {
		fields := []logger.Field{
			{Key: "state", Value: ev.State.String()},
			{Key: "addr", Value: ev.Address},
		}
		if ev.Error != nil {
			fields = append(fields, logger.Field{Key: "error", Value: ev.Error})
		}
		log.Debug("connection state changed", fields...)
	})

	input := bufio.NewScanner(os.Stdin)
	if err := client.Connect(ctx, d.namePrompter(input)); err != nil {
		if !errors.Is(err, chatclient.ErrNoName) {
			d.errorf("could not join %s: %v", cfg.Host, err)
		}
		return 1
	}
	defer client.Close()

	d.status("joined as %s, type to chat", client.Name())

	go func() {
		for input.Scan() {
			if err := client.Send(input.Text()); err != nil {
				log.Warn("send failed", logger.Field{Key: "error", Value: err})
				return
			}
		}
		cancel()
	}()

	err = client.Listen(ctx, d.show)
	if ctx.Err() == nil {
		log.Debug("receive loop ended", logger.Field{Key: "error", Value: err})
		d.errorf("connection lost")
		return 1
	}

	return 0
}

type display struct {
	prompt *color.Color
	notice *color.Color
	roster *color.Color
	chat   *color.Color
	failed *color.Color
}

func newDisplay() *display {
	return &display{
		prompt: color.New(color.FgCyan, color.Bold),
		notice: color.New(color.FgYellow),
		roster: color.New(color.FgGreen),
		chat:   color.New(color.FgWhite),
		failed: color.New(color.FgRed, color.Bold),
	}
}

// namePrompter asks on the terminal for a name, showing the server's
// rejection before each retry. End of input gives up.
func (d *display) namePrompter(input *bufio.Scanner) chatclient.NamePrompter {
	return func(feedback string) (string, bool) {
		if feedback != "" {
			d.failed.Printf("not approved: %s\n", feedback)
		}

		for {
			d.prompt.Print("Enter your name: ")
			if !input.Scan() {
				return "", false
			}

			if name := strings.TrimSpace(input.Text()); name != "" {
				return name, true
			}
		}
	}
}

func (d *display) show(ev protocol.Event) {
	switch ev.Kind {
	case protocol.KindRoster:
		d.roster.Printf("online (%d): %s\n", len(ev.Roster), strings.Join(ev.Roster, ", "))
	case protocol.KindText:
		if isNotice(ev.Text) {
			d.notice.Println(ev.Text)
			return
		}
		d.chat.Println(ev.Text)
	}
}

func (d *display) status(format string, args ...any) {
	d.prompt.Printf(format+"\n", args...)
}

func (d *display) errorf(format string, args ...any) {
	d.failed.Fprintln(os.Stderr, fmt.Sprintf(format, args...))
}

func isNotice(text string) bool {
	return text == protocol.WelcomeNotice ||
		strings.HasSuffix(text, protocol.JoinNotice("")) ||
		strings.HasSuffix(text, protocol.LeaveNotice(""))
}
