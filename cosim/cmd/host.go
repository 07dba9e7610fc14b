package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/cosim/broker"
	"github.com/sarchlab/cosim/core"
	"github.com/sarchlab/cosim/datarecording"
	"github.com/sarchlab/cosim/monitoring"
	"github.com/sarchlab/cosim/routing"
	"github.com/sarchlab/cosim/tracing"
	"github.com/sarchlab/cosim/transport/inproc"
)

// hostConfig describes where the federates of a scenario run.
type hostConfig struct {
	// brokerAddr is the TCP address of an external broker. When it is
	// empty, an in-process root broker serves the scenario.
	brokerAddr string

	// federates is how many federates the in-process root waits for.
	federates int

	record      string
	driver      string
	monitor     bool
	monitorPort int
	openMonitor bool

	// tickInterval of the routers. Zero disables the parent watchdog.
	tickInterval time.Duration

	logger zerolog.Logger
}

// host runs the routers of a scenario in this process.
type host struct {
	cfg hostConfig

	registry *inproc.Registry
	root     *broker.CoreBroker
	cores    []*core.CommonCore

	counter  *tracing.GrantCounter
	recorder datarecording.DataRecorder
	run      *datarecording.RunRecorder
	commands *tracing.CommandTracer
	grants   *tracing.GrantTracer
	monitor  *monitoring.Monitor
}

func startHost(ctx context.Context, cfg hostConfig) (*host, error) {
	h := &host{
		cfg:     cfg,
		counter: tracing.NewGrantCounter(),
	}

	if cfg.record != "" {
		if err := h.startRecording(); err != nil {
			return nil, err
		}
	}

	if cfg.monitor {
		h.monitor = monitoring.NewMonitor().WithPortNumber(cfg.monitorPort)
	}

	if cfg.brokerAddr == "" {
		h.registry = inproc.NewRegistry()
		h.root = broker.MakeBuilder().
			WithName("root").
			WithTransport(inproc.MakeBuilder(h.registry).Build("root")).
			WithMinFederates(cfg.federates).
			WithTickInterval(cfg.tickInterval).
			WithLogger(cfg.logger).
			Build()

		h.watch(h.root)

		if err := h.root.Connect(ctx); err != nil {
			h.close()
			return nil, err
		}
	}

	if h.monitor != nil {
		url := h.monitor.StartServer()

		if cfg.openMonitor {
			if err := browser.OpenURL(url); err != nil {
				cfg.logger.Warn().Err(err).Msg("cannot open the monitor")
			}
		}
	}

	return h, nil
}

func (h *host) startRecording() error {
	recorder, err := datarecording.MakeBuilder().
		WithPath(h.cfg.record).
		WithDriver(h.cfg.driver).
		Build()
	if err != nil {
		return err
	}

	h.recorder = recorder
	h.run = datarecording.NewRunRecorder(recorder)
	h.run.Start()
	h.commands = tracing.NewCommandTracer(recorder, tracing.SkipHeartbeats)
	h.grants = tracing.NewGrantTracer(recorder)

	return nil
}

// watch attaches the tracers and the monitor to a router.
func (h *host) watch(r tracing.NamedHookable) {
	if h.commands != nil {
		tracing.CollectTrace(r, h.commands)
	}

	if h.monitor != nil {
		if mr, ok := r.(monitoring.Router); ok {
			h.monitor.RegisterRouter(mr)
		}
	}
}

// addCore connects a core with one federate slot to the root broker.
func (h *host) addCore(ctx context.Context, name string) (*core.CommonCore, error) {
	b := core.MakeBuilder().
		WithName(name).
		WithTickInterval(h.cfg.tickInterval).
		WithLogger(h.cfg.logger)

	if h.registry != nil {
		b = b.WithTransport(inproc.MakeBuilder(h.registry).WithParent("root").Build(name))
	} else {
		b = b.WithBrokerAddress(h.cfg.brokerAddr)
	}

	c := b.Build()

	h.watch(c)
	tracing.CollectTrace(c, h.counter)

	if h.grants != nil {
		tracing.CollectTrace(c, h.grants)
	}

	if err := c.Connect(ctx); err != nil {
		c.Stop()
		return nil, err
	}

	h.cores = append(h.cores, c)

	return c, nil
}

// set records a property of the run when recording.
func (h *host) set(property, value string) {
	if h.run != nil {
		h.run.Set(property, value)
	}
}

// runFederates runs every federate body on its own goroutine. A failure,
// or the end of ctx, terminates the federation so that the others stop
// waiting.
func (h *host) runFederates(ctx context.Context, bodies ...func() error) error {
	var (
		g    errgroup.Group
		once sync.Once
	)

	terminate := func() {
		once.Do(func() {
			if h.root != nil {
				h.root.Terminate()
				return
			}

			for _, c := range h.cores {
				c.Disconnect()
			}
		})
	}

	stop := context.AfterFunc(ctx, terminate)
	defer stop()

	for _, body := range bodies {
		g.Go(func() error {
			err := body()
			if err != nil {
				terminate()
			}

			return err
		})
	}

	return g.Wait()
}

// closeTimeout bounds how long close waits for a core to leave.
const closeTimeout = 10 * time.Second

// close lets every core leave the federation, stops the routers and
// flushes the recording.
func (h *host) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	for _, c := range h.cores {
		c.Disconnect()

		if err := c.WaitForDisconnect(ctx); err != nil {
			h.cfg.logger.Warn().Err(err).Str("core", c.Name()).
				Msg("core did not leave in time")
		}

		c.Stop()
	}

	if h.root != nil {
		h.root.Stop()
	}

	if h.registry != nil {
		h.registry.Close()
	}

	if h.recorder != nil {
		h.run.End()

		if err := h.recorder.Close(); err != nil {
			h.cfg.logger.Error().Err(err).Msg("cannot close the recording")
		}
	}
}

func addHostFlags(cmd *cobra.Command) {
	cmd.Flags().String("broker", "",
		"TCP address of the broker. An empty address runs a broker in-process.")
	cmd.Flags().String("record", "",
		"Record commands and time grants into this SQLite file.")
	cmd.Flags().String("driver", datarecording.DriverCGo,
		"SQLite driver of the recording, sqlite3 or sqlite.")
	cmd.Flags().Bool("monitor", false, "Serve the monitoring API.")
	cmd.Flags().Int("monitor-port", 0,
		"Port of the monitoring API. Zero picks a free port.")
	cmd.Flags().Bool("open-monitor", false,
		"Open the monitoring API in a browser.")
}

func hostConfigFromFlags(cmd *cobra.Command) hostConfig {
	flags := cmd.Flags()

	cfg := hostConfig{
		tickInterval: routing.DefaultTickInterval,
		logger:       logger,
	}

	cfg.brokerAddr, _ = flags.GetString("broker")
	cfg.record, _ = flags.GetString("record")
	cfg.driver, _ = flags.GetString("driver")
	cfg.monitor, _ = flags.GetBool("monitor")
	cfg.monitorPort, _ = flags.GetInt("monitor-port")
	cfg.openMonitor, _ = flags.GetBool("open-monitor")
	cfg.monitor = cfg.monitor || cfg.openMonitor

	return cfg
}
