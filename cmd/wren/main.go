package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/driftwoodlabs/wren/internal/bus"
	"github.com/driftwoodlabs/wren/internal/channel"
	"github.com/driftwoodlabs/wren/internal/config"
	"github.com/driftwoodlabs/wren/internal/governor"
	"github.com/driftwoodlabs/wren/internal/memory"
	"github.com/driftwoodlabs/wren/internal/schedule"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "wren",
		Short:         "wren is a conversational memory engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.wren/config.json)")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(requeueCmd())
	root.AddCommand(embedCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(optCmd("optout", "Disable memory for a user", true))
	root.AddCommand(optCmd("optin", "Re-enable memory for a user", false))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfigFrom(configPath)
	}
	return config.LoadConfig()
}

func openService() (*memory.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return memory.NewService(cfg)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the memory engine and channel adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := memory.NewService(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			gov := governor.New(cfg)
			limiter := governor.NewLimiter(svc.Store(), cfg)
			msgBus := bus.New()
			msgBus.Subscribe(ingestHandler(svc, gov, limiter))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := schedule.New()
			jobs := []struct {
				name     string
				interval time.Duration
				fn       func()
			}{
				{"embed-sweep", time.Duration(cfg.Memory.Embedding.IntervalMin) * time.Minute, func() {
					if n, err := svc.ProcessQueue(ctx); err != nil {
						log.Printf("[serve] embed sweep: %v", err)
					} else if n > 0 {
						log.Printf("[serve] embedded %d messages", n)
					}
				}},
				{"summary-sweep", 15 * time.Minute, func() {
					if n, err := svc.SweepSummaries(ctx); err != nil {
						log.Printf("[serve] summary sweep: %v", err)
					} else if n > 0 {
						log.Printf("[serve] wrote %d summaries", n)
					}
				}},
				{"ledger-prune", time.Hour, func() {
					if _, err := limiter.PruneLedger(); err != nil {
						log.Printf("[serve] ledger prune: %v", err)
					}
				}},
				{"governor-sweep", time.Duration(cfg.Governor.PermitIdleSec) * time.Second, func() { gov.SweepIdle() }},
			}
			for _, job := range jobs {
				if err := sched.Every(job.name, job.interval, job.fn); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()

			if cfg.Channels.Telegram.Enabled {
				tg, err := channel.NewTelegram(cfg.Channels.Telegram, msgBus, svc)
				if err != nil {
					return err
				}
				go func() {
					if err := tg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Printf("[serve] telegram: %v", err)
					}
				}()
			}

			log.Printf("[serve] wren running, db=%s", cfg.DBPath)
			<-ctx.Done()
			log.Printf("[serve] shutting down")
			return nil
		},
	}
}

// ingestHandler is the bus subscriber that persists inbound messages. A
// busy channel still gets its message recorded; only extraction work is
// bounded by the governor and the per-user budget.
func ingestHandler(svc *memory.Service, gov *governor.Governor, limiter *governor.Limiter) bus.Handler {
	return func(ctx context.Context, in bus.InboundMessage) {
		msg := memory.Message{
			ID:        uuid.NewString(),
			ChannelID: in.ChannelID,
			AuthorID:  in.UserID,
			Content:   in.Content,
			CreatedAt: in.ReceivedAt,
		}

		permit, err := gov.Acquire(ctx, in.ChannelID)
		if err != nil {
			if errors.Is(err, governor.ErrBusy) {
				log.Printf("[serve] channel=%s busy, recording without extraction", in.ChannelID)
				if err := svc.RecordMessageQuiet(msg); err != nil {
					log.Printf("[serve] record message: %v", err)
				}
			}
			return
		}
		defer permit.Release()

		decision, err := limiter.Check(in.UserID, "fact-check", 1)
		if err != nil {
			log.Printf("[serve] rate check user=%s: %v", in.UserID, err)
			decision = governor.Decision{Allowed: true}
		}
		if !decision.Allowed {
			if err := svc.RecordMessageQuiet(msg); err != nil {
				log.Printf("[serve] record message: %v", err)
			}
			return
		}

		if err := svc.RecordMessage(ctx, msg); err != nil {
			log.Printf("[serve] record message: %v", err)
		}
	}
}

func statusCmd() *cobra.Command {
	var showQueue bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store counters and queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			st, err := svc.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("messages:      %d\n", st.Messages)
			fmt.Printf("queue pending: %d\n", st.QueuePending)
			fmt.Printf("queue dead:    %d\n", st.QueueDead)
			fmt.Printf("embeddings:    %d\n", st.Embeddings)
			fmt.Printf("facts:         %d\n", st.Facts)
			fmt.Printf("summaries:     %d\n", st.Summaries)
			fmt.Printf("rate events:   %d\n", st.RateEvents)
			fmt.Printf("opted out:     %d\n", st.OptedOutUsers)

			if showQueue {
				items, err := svc.QueueItems(50)
				if err != nil {
					return err
				}
				for _, item := range items {
					state := "pending"
					if item.Dead {
						state = "dead"
					}
					fmt.Printf("%s  %s attempts=%d %s\n", item.MessageID, state, item.Attempts, item.LastError)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showQueue, "queue", false, "list queue items")
	return cmd
}

func requeueCmd() *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "requeue [message-id]",
		Short: "Revive dead embedding queue items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			messageID := ""
			if len(args) == 1 {
				messageID = args[0]
			}
			n, err := svc.RequeueDead(messageID)
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d items\n", n)

			if run {
				embedded, err := svc.ProcessQueue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("embedded %d messages\n", embedded)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "process the queue immediately after requeueing")
	return cmd
}

func embedCmd() *cobra.Command {
	var run bool
	cmd := &cobra.Command{
		Use:   "embed <message-id>",
		Short: "Queue a stored message for embedding ahead of the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.PriorityEnqueue(args[0]); err != nil {
				return err
			}
			fmt.Printf("queued %s\n", args[0])

			if run {
				embedded, err := svc.ProcessQueue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("embedded %d messages\n", embedded)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&run, "run", false, "process the queue immediately")
	return cmd
}

func searchCmd() *cobra.Command {
	var channelID string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over stored messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			result := svc.Search(cmd.Context(), args[0], memory.SearchOptions{
				ChannelID: channelID,
				Limit:     limit,
			})
			if result.Degraded {
				fmt.Println("(search degraded: embedding provider unavailable)")
				return nil
			}
			if len(result.Matches) == 0 {
				fmt.Println("no matches")
				return nil
			}
			for _, m := range result.Matches {
				fmt.Printf("%.3f  [%s] %s: %s\n", m.Similarity,
					m.Message.CreatedAt.Format("2006-01-02 15:04"), m.Message.AuthorID, m.Message.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "restrict to one channel")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results (default from config)")
	return cmd
}

func optCmd(name, short string, optedOut bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.SetOptOut(args[0], optedOut); err != nil {
				return err
			}
			if optedOut {
				fmt.Printf("memory disabled for %s\n", args[0])
			} else {
				fmt.Printf("memory enabled for %s\n", args[0])
			}
			return nil
		},
	}
}
