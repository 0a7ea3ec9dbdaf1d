package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
	"github.com/aeiouboy/ris-pdm-performance/internal/health"
	"github.com/aeiouboy/ris-pdm-performance/internal/poll"
	"github.com/aeiouboy/ris-pdm-performance/internal/push"
	"github.com/aeiouboy/ris-pdm-performance/internal/realtime"
)

type watchLine struct {
	Kind string `json:"kind"`
	core.Delivery
}

func watchCmd(opts *rootOptions) *cobra.Command {
	var (
		team, user string
		offline    bool
		kinds      []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to the realtime feed and print every delivery",
		Long: `Watch connects to a dashboard server the way the web client does: over the
event stream first, falling back to polling, and prints each delivery as a JSON
line. Press Ctrl-C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			rc := cfg.Realtime
			if offline {
				rc.Offline = true
			}

			streamURL := strings.TrimRight(rc.ServerURL, "/") + rc.StreamPath
			scope := url.Values{}
			if team != "" {
				scope.Set("teamId", team)
			}
			if user != "" {
				scope.Set("userId", user)
			}
			if len(scope) > 0 {
				streamURL += "?" + scope.Encode()
			}
			pushCfg := push.DefaultConfig(streamURL)
			pushCfg.MaxAttempts = rc.MaxAttempts
			pt := push.Shared(pushCfg, logger)
			pl := poll.New(poll.DefaultConfig(strings.TrimRight(rc.ServerURL, "/")), logger)

			co := realtime.Shared(realtime.Config{
				GracePeriod:  rc.GracePeriod,
				PollInterval: rc.PollInterval,
				Offline:      rc.Offline,
			}, pt, pl, logger)
			defer co.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			components := []health.Provider{health.Realtime("stream", co), health.Polling("polling", pl)}
			stopStatus := co.OnStatus(func(st realtime.Status) {
				logger.Info("connection changed", "type", st.ConnectionType, "push", st.PushState, "subscriptions", st.Subscriptions)
				logHealth(ctx, logger, components...)
			})
			defer stopStatus()

			watched, err := parseKinds(kinds)
			if err != nil {
				return err
			}
			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, kind := range watched {
				label := kind.Label()
				_, err := co.Subscribe("watch-"+label, kind, func(d core.Delivery) {
					mu.Lock()
					defer mu.Unlock()
					_ = enc.Encode(watchLine{Kind: label, Delivery: d})
				}, realtime.Options{UserID: user, TeamID: team})
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", label, err)
				}
			}

			if rc.Offline {
				co.Refresh()
			}
			<-ctx.Done()
			logHealth(context.WithoutCancel(ctx), logger, components...)
			return nil
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Team scope")
	cmd.Flags().StringVar(&user, "user", "", "User scope")
	cmd.Flags().BoolVar(&offline, "offline", false, "Never open a transport; fetch once and serve cached values")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "Event labels to watch (default all)")
	return cmd
}

// logHealth checks each provider and logs its state, at warn level unless up.
func logHealth(ctx context.Context, logger *slog.Logger, providers ...health.Provider) {
	for _, p := range providers {
		c := p.Check(ctx)
		level := slog.LevelInfo
		if c.State != health.StateUp {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "component health", "component", p.Name(), "state", c.State)
	}
}

func parseKinds(labels []string) ([]core.EventKind, error) {
	if len(labels) == 0 {
		return core.Kinds(), nil
	}
	out := make([]core.EventKind, 0, len(labels))
	for _, l := range labels {
		k := core.ParseEventKind(l)
		if k.Label() != l {
			return nil, fmt.Errorf("unknown event label %q", l)
		}
		out = append(out, k)
	}
	return out, nil
}
