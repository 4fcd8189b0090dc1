// Command boltnet runs a boltnet echo server and a matching test client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/boltnet"
	"github.com/luciancaetano/boltnet/logging"
	"github.com/luciancaetano/boltnet/wire"
	"github.com/luciancaetano/boltnet/ws"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boltnet",
		Short: "Real-time WebSocket transport for game servers",
		Long: `boltnet serves and connects to boltnet endpoints.

  serve   run an echo server with metrics and health endpoints
  ping    connect to a server and measure echo round trips`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(),
		pingCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command, service string) (logging.Logger, error) {
	raw, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(raw)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", raw, err)
	}
	return logging.NewConsole(service, level), nil
}

// textMessage is the message the echo server and ping client exchange.
type textMessage struct {
	Seq  int64
	Text string
}

func (*textMessage) Tag() string    { return "boltnet.Text" }
func (*textMessage) CacheTag() bool { return true }

func (m *textMessage) Serialize(w *wire.Writer) error {
	w.WriteInt64(m.Seq)
	return w.WriteString(m.Text)
}

func (m *textMessage) Deserialize(r *wire.Reader) (err error) {
	if m.Seq, err = r.ReadInt64(); err != nil {
		return err
	}
	m.Text, err = r.ReadString()
	return err
}

func newRegistry() *ws.Registry {
	reg := ws.NewRegistry()
	reg.MustRegister("boltnet.Text", func() boltnet.Message { return &textMessage{} })
	return reg
}
