package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/momentic/commentsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchReconnect   bool
	watchSeedCache   bool
	watchBroadcast   bool
	watchMetricsAddr string
)

func init() {
	watchCmd.Flags().BoolVar(&watchReconnect, "reconnect", false, "Reconnect automatically after a stream failure")
	watchCmd.Flags().BoolVar(&watchSeedCache, "seed-cache", false, "Show the cached feed before the first fetch completes")
	watchCmd.Flags().BoolVar(&watchBroadcast, "broadcast", false, "Also write sent comments to the stream")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long: `Fetch the history of a conversation, then follow new comments in real time.

Lines typed on stdin are posted as comments. "/like <id>" toggles a like.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := commentsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr, reg)
			defer srv.Close()
		}

		cache, closer, err := openCache(s, metrics)
		if err != nil {
			return err
		}
		defer closer.Close()

		client := newClient(s)
		stream := commentsync.NewRealtimeClient(commentsync.RealtimeConfig{
			URL:           s.StreamURL,
			TokenStore:    configTokenStore{},
			AutoReconnect: watchReconnect,
			Logger:        logger,
			Metrics:       metrics,
		})

		engine, err := commentsync.NewEngine(commentsync.EngineConfig{
			ConversationID:      args[0],
			Fetcher:             client,
			Publisher:           client,
			Stream:              stream,
			Cache:               cache,
			Logger:              logger,
			Metrics:             metrics,
			Author:              s.Author,
			AvatarURL:           s.AvatarURL,
			SeedFromCache:       watchSeedCache,
			BroadcastOverStream: watchBroadcast,
		})
		if err != nil {
			return err
		}
		defer engine.Stop()

		if err := engine.Start(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		go readInput(ctx, cmd.InOrStdin(), out, engine)
		return printUpdates(ctx, out, engine.Updates())
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "err", err)
		}
	}()
	return srv
}

// printUpdates renders the feed incrementally: new ids are printed as they
// appear, confirmed messages once more under their server id.
func printUpdates(ctx context.Context, w io.Writer, updates <-chan commentsync.Update) error {
	seen := make(map[string]struct{})
	var state commentsync.ConnectionStatus
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.State.Status != state {
				state = u.State.Status
				fmt.Fprintf(w, "-- %s\n", u.State)
			}
			now := time.Now()
			for _, m := range u.Messages {
				if _, ok := seen[m.ID]; ok {
					continue
				}
				seen[m.ID] = struct{}{}
				printMessage(w, m, now)
			}
		}
	}
}

func readInput(ctx context.Context, r io.Reader, w io.Writer, engine *commentsync.Engine) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if id, ok := strings.CutPrefix(line, "/like "); ok {
			found, err := engine.ToggleReaction(ctx, strings.TrimSpace(id))
			switch {
			case err != nil:
				logger.Log(ctx, slog.LevelWarn, "reaction failed", "err", err)
			case !found:
				fmt.Fprintf(w, "-- no comment with id %s\n", id)
			}
			continue
		}
		if _, err := engine.SendMessage(ctx, line); err != nil {
			if errors.Is(err, commentsync.ErrStopped) {
				return
			}
			logger.Log(ctx, slog.LevelWarn, "send failed", "err", err)
		}
	}
}
