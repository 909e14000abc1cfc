package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"invnotify/internal/app"
	"invnotify/internal/events"
	"invnotify/internal/feed"
	"invnotify/internal/transport"
)

var (
	listenUser  string
	listenPanel bool
)

func init() {
	listenCmd.Flags().StringVar(&listenUser, "user", "", "user id used in personal channel names")
	listenCmd.Flags().BoolVar(&listenPanel, "panel", false, "also poll the recent notification list while offline")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream live notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		a, err := app.New(cfg, newTerminalNotifier(out), logger)
		if err != nil {
			return err
		}

		a.Bus().AddListener(events.KindAlert, printMessage(out, "alert"))
		a.Bus().AddListener(events.KindSystem, printMessage(out, "system"))
		a.Bus().AddListener(events.KindBroadcast, printMessage(out, "broadcast"))
		a.Bus().AddListener(events.KindUpdate, printMessage(out, "update"))

		var mu sync.Mutex
		last := transport.Status("")
		lastCount := -1
		a.Store().Watch(func(s feed.State) {
			mu.Lock()
			defer mu.Unlock()
			if s.ConnectionStatus == last && s.UnreadCount == lastCount {
				return
			}
			last, lastCount = s.ConnectionStatus, s.UnreadCount
			line := fmt.Sprintf("%s %d unread", statusBadge(s.ConnectionStatus), s.UnreadCount)
			if s.Error != "" {
				line += " " + dimStyle.Render(s.Error)
			}
			fmt.Fprintln(out, line)
		})
		a.Store().SetPanelVisible(listenPanel)

		if err := a.Start(context.Background()); err != nil {
			return err
		}
		a.SignIn(token, listenUser)
		go func() {
			if err := a.Store().Refresh(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("initial refresh failed")
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit

		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.Stop(ctx)
	},
}

func printMessage(out io.Writer, label string) events.Listener {
	return func(ev events.Event) {
		if ev.Message == nil {
			return
		}
		text := ev.Message.Text
		if text == "" {
			text = string(ev.Message.Raw)
		}
		fmt.Fprintf(out, "%s %s\n", dimStyle.Render("["+label+"]"), text)
	}
}
