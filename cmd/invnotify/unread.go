package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"invnotify/internal/config"
	"invnotify/internal/notify"
	"invnotify/internal/restapi"
)

var unreadAll bool

func init() {
	unreadCmd.Flags().BoolVar(&unreadAll, "all", false, "list read notifications too")
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(markReadCmd)
}

func newAPIClient(cfg *config.Config, logger zerolog.Logger) *restapi.Client {
	return restapi.NewClient(cfg.APIURL, restapi.StaticToken(token), restapi.Options{
		Timeout: cfg.GetRequestTimeoutDuration(),
	}, logger)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the unread count and the most recent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		api := newAPIClient(cfg, logger)
		ctx := context.Background()

		count, err := api.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch unread count: %w", err)
		}

		q := restapi.ListQuery{Status: notify.StatusUnread, Size: cfg.RecentPageSize}
		if unreadAll {
			q.Status = ""
		}
		page, err := api.List(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to fetch notifications: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d unread\n", count)
		for _, n := range page.Content {
			fmt.Fprintln(out, renderNotification(n))
		}
		if page.TotalElements > int64(len(page.Content)) {
			fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("… %d more", page.TotalElements-int64(len(page.Content)))))
		}
		return nil
	},
}

var markReadCmd = &cobra.Command{
	Use:   "mark-read <id>|all",
	Short: "Mark one notification, or all of them, as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireToken(); err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		api := newAPIClient(cfg, logger)

		if args[0] == "all" {
			if err := api.MarkAllRead(context.Background()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all notifications marked as read")
			return nil
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid notification id %q", args[0])
		}
		if err := api.MarkRead(context.Background(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "notification %d marked as read\n", id)
		return nil
	},
}
