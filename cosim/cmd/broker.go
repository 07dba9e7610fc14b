package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cosim/broker"
	"github.com/sarchlab/cosim/monitoring"
	"github.com/sarchlab/cosim/routing"
)

type brokerConfig struct {
	name        string
	port        int
	federates   int
	monitor     bool
	monitorPort int
}

// serveBroker runs a root broker on TCP until every core below it left, or
// until ctx ends.
func serveBroker(ctx context.Context, cfg brokerConfig, out io.Writer) error {
	if cfg.federates < 1 {
		return fmt.Errorf("a federation needs at least 1 federate, got %d",
			cfg.federates)
	}

	b := broker.MakeBuilder().
		WithName(cfg.name).
		WithListenAddress(fmt.Sprintf(":%d", cfg.port)).
		WithMinFederates(cfg.federates).
		WithTickInterval(routing.DefaultTickInterval).
		WithLogger(logger).
		Build()

	if cfg.monitor {
		m := monitoring.NewMonitor().WithPortNumber(cfg.monitorPort)
		m.RegisterRouter(b)
		m.StartServer()
	}

	if err := b.Connect(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "broker %s listening on %s for %d federates\n",
		b.Name(), b.Transport().Address(), cfg.federates)

	if err := b.WaitForDisconnect(ctx); err != nil {
		b.Terminate()
		b.Stop()

		return err
	}

	b.Stop()

	return nil
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a root broker on TCP.",
	Long: "`broker` waits for --federates federates, coordinates them and " +
		"exits once every core disconnected.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := brokerConfig{}

		flags := cmd.Flags()
		cfg.name, _ = flags.GetString("name")
		cfg.port, _ = flags.GetInt("port")
		cfg.federates, _ = flags.GetInt("federates")
		cfg.monitor, _ = flags.GetBool("monitor")
		cfg.monitorPort, _ = flags.GetInt("monitor-port")

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return serveBroker(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(brokerCmd)

	brokerCmd.Flags().String("name", "root", "Name of the broker.")
	brokerCmd.Flags().Int("port", 23500, "TCP port to listen on.")
	brokerCmd.Flags().Int("federates", 2, "Number of federates to wait for.")
	brokerCmd.Flags().Bool("monitor", false, "Serve the monitoring API.")
	brokerCmd.Flags().Int("monitor-port", 0,
		"Port of the monitoring API. Zero picks a free port.")
}
