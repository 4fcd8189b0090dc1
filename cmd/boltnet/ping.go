package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/logging"
	"github.com/luciancaetano/boltnet/wire"
	"github.com/luciancaetano/boltnet/ws"
)

type pingConfig struct {
	count    int
	interval time.Duration
	timeout  time.Duration
	token    string
	encoding string
	partial  bool
	maxSize  int
	noCache  bool
}

func pingCmd() *cobra.Command {
	def := ws.DefaultClientOptions()
	cfg := pingConfig{}

	cmd := &cobra.Command{
		Use:   "ping <url>",
		Short: "Measure echo round trips against a server",
		Long: `Connect to a boltnet echo server, send numbered messages and report
the round-trip time of each echo.

Examples:
  boltnet ping ws://localhost:8080/ws
  boltnet ping ws://localhost:8080/ws --count=100 --interval=10ms
  boltnet ping ws://localhost:8080/ws --token=secret`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cmd, "boltnet-ping")
			if err != nil {
				return err
			}
			return runPing(cmd.Context(), args[0], cfg, log)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&cfg.count, "count", "c", 10, "Messages to send")
	f.DurationVarP(&cfg.interval, "interval", "i", 100*time.Millisecond, "Delay between messages")
	f.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "How long to wait for the last echo")
	f.StringVar(&cfg.token, "token", "", "Access token sent in X-Boltnet-Token")
	f.StringVar(&cfg.encoding, "encoding", def.CharacterEncoding.String(), "String encoding on the wire")
	f.BoolVar(&cfg.partial, "partial", def.AllowPartialMessages, "Fragment messages larger than a frame")
	f.IntVar(&cfg.maxSize, "max-message-size", def.MaxMessageSize, "Largest frame in bytes")
	f.BoolVar(&cfg.noCache, "no-string-cache", !def.StringCachingEnabled, "Send message tags literally")

	return cmd
}

func runPing(ctx context.Context, url string, cfg pingConfig, log logging.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	enc, err := wire.ParseEncoding(cfg.encoding)
	if err != nil {
		return err
	}

	opts := ws.DefaultClientOptions()
	opts.CharacterEncoding = enc
	opts.AllowPartialMessages = cfg.partial
	opts.MaxMessageSize = cfg.maxSize
	opts.StringCachingEnabled = !cfg.noCache
	opts.Logger = log
	opts.Registry = newRegistry()

	sent := make(map[int64]time.Time)
	var rtts []time.Duration
	var left *boltnet.DisconnectReason

	c, err := ws.NewClient(opts, ws.ClientHandlers{
		OnMessage: func(_ *ws.Client, m boltnet.Message) {
			msg, ok := m.(*textMessage)
			if !ok {
				return
			}
			at, ok := sent[msg.Seq]
			if !ok {
				fmt.Printf("  %s\n", msg.Text)
				return
			}
			delete(sent, msg.Seq)
			rtt := time.Since(at)
			rtts = append(rtts, rtt)
			fmt.Printf("  seq=%d time=%s\n", msg.Seq, rtt.Round(time.Microsecond))
		},
		OnDisconnect: func(_ *ws.Client, reason boltnet.DisconnectReason) {
			left = &reason
		},
	})
	if err != nil {
		return err
	}

	header := map[string][]string{}
	if cfg.token != "" {
		header["X-Boltnet-Token"] = []string{cfg.token}
	}
	if err := c.Connect(ctx, url, header); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	var seq int64
	next := time.Now()
	deadline := time.Time{}

	for left == nil {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-ticker.C:
		}

		c.ProcessIncomingMessages()

		now := time.Now()
		if seq < int64(cfg.count) && !now.Before(next) {
			seq++
			sent[seq] = now
			if err := c.QueueMessage(&textMessage{Seq: seq, Text: "ping"}); err != nil {
				return err
			}
			next = now.Add(cfg.interval)
			if seq == int64(cfg.count) {
				deadline = now.Add(cfg.timeout)
			}
		}

		if !deadline.IsZero() && (len(sent) == 0 || !now.Before(deadline)) {
			break
		}
	}

	if left == nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
		defer cancel()
		if err := c.Disconnect(disconnectCtx); err != nil {
			log.Warn("disconnect", logging.Err(err))
		}
		c.ProcessIncomingMessages()
	}

	printSummary(int(seq), rtts, left)
	return nil
}

func printSummary(sent int, rtts []time.Duration, left *boltnet.DisconnectReason) {
	fmt.Printf("\n  %d sent, %d received, %d lost\n", sent, len(rtts), sent-len(rtts))
	if len(rtts) > 0 {
		slices.Sort(rtts)
		var total time.Duration
		for _, d := range rtts {
			total += d
		}
		fmt.Printf("  min/avg/max = %s/%s/%s\n",
			rtts[0].Round(time.Microsecond),
			(total / time.Duration(len(rtts))).Round(time.Microsecond),
			rtts[len(rtts)-1].Round(time.Microsecond),
		)
	}
	if left != nil {
		fmt.Printf("  disconnected: %s\n", *left)
	}
}
