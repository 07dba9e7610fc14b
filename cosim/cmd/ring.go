package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cosim/core"
	"github.com/sarchlab/cosim/monitoring"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/timecoord"
)

// ringConfig configures the ring benchmark. A token travels from link to
// link, one hop per time step.
type ringConfig struct {
	federates int
	index     int
	deltaTime float64
	finalTime float64
	token     []byte
	host      hostConfig
}

// steps returns how many time steps the ring runs.
func (c ringConfig) steps() int {
	return int(c.finalTime/c.deltaTime + 1e-9)
}

func (c ringConfig) validate() error {
	switch {
	case c.federates < 2:
		return fmt.Errorf("a ring needs at least 2 federates, got %d", c.federates)
	case c.deltaTime <= 0:
		return fmt.Errorf("delta time must be positive, got %g", c.deltaTime)
	case c.steps() < 1:
		return fmt.Errorf("final time %g is shorter than one step", c.finalTime)
	case c.index >= c.federates:
		return fmt.Errorf("index %d is out of a ring of %d", c.index, c.federates)
	case c.index >= 0 && c.host.brokerAddr == "":
		return fmt.Errorf("running link %d alone needs a broker", c.index)
	}

	return nil
}

// ringReport is the outcome of a ring run.
type ringReport struct {
	// Hops counts the token deliveries of each link run here.
	Hops map[string]int

	// Grants counts the time grants of each federate run here.
	Grants map[string]uint64
}

// LoopCount is the number of hops the token made.
func (r ringReport) LoopCount() int {
	n := 0
	for _, h := range r.Hops {
		n += h
	}

	return n
}

func linkName(i int) string {
	return "ringlink_" + strconv.Itoa(i)
}

func endpointName(i int) string {
	return "ept_" + strconv.Itoa(i)
}

type ringLink struct {
	index int
	next  string
	core  *core.CommonCore
	fed   sim.LocalFederateID
	ept   sim.InterfaceHandle
	hops  int
}

func newRingLink(
	ctx context.Context,
	h *host,
	cfg ringConfig,
	index int,
) (*ringLink, error) {
	c, err := h.addCore(ctx, "core_"+linkName(index))
	if err != nil {
		return nil, err
	}

	delta := sim.VTimeFromSeconds(cfg.deltaTime)

	info := core.DefaultFederateInfo()
	info.Period = delta
	info.Lookahead = delta / 2

	fed, err := c.RegisterFederate(linkName(index), info)
	if err != nil {
		return nil, err
	}

	ept, err := c.RegisterEndpoint(fed, endpointName(index), "")
	if err != nil {
		return nil, err
	}

	return &ringLink{
		index: index,
		next:  endpointName((index + 1) % cfg.federates),
		core:  c,
		fed:   fed,
		ept:   ept,
	}, nil
}

// run passes the token on at every step but the last. The first link sends
// it before the first step.
func (l *ringLink) run(cfg ringConfig, bar *monitoring.ProgressBar) error {
	if _, err := l.core.EnterExecutingState(l.fed, timecoord.NoIterations); err != nil {
		return err
	}

	if l.index == 0 {
		if err := l.core.Send(l.ept, l.next, cfg.token); err != nil {
			return err
		}
	}

	delta := sim.VTimeFromSeconds(cfg.deltaTime)
	steps := cfg.steps()

	for k := 1; k <= steps; k++ {
		if _, err := l.core.TimeRequest(l.fed, delta*sim.VTime(k)); err != nil {
			return err
		}

		for m := l.core.Receive(l.ept); m != nil; m = l.core.Receive(l.ept) {
			l.hops++

			if k == steps {
				continue
			}

			if err := l.core.Send(l.ept, l.next, m.Data); err != nil {
				return err
			}
		}

		if bar != nil && l.index == 0 {
			bar.IncrementFinished(1)
		}
	}

	return l.core.Finalize(l.fed)
}

func runRing(ctx context.Context, cfg ringConfig) (ringReport, error) {
	if err := cfg.validate(); err != nil {
		return ringReport{}, err
	}

	indexes := []int{cfg.index}
	if cfg.index < 0 {
		indexes = indexes[:0]
		for i := 0; i < cfg.federates; i++ {
			indexes = append(indexes, i)
		}
	}

	cfg.host.federates = cfg.federates

	h, err := startHost(ctx, cfg.host)
	if err != nil {
		return ringReport{}, err
	}
	defer h.close()

	h.set("Benchmark", "ring")
	h.set("Federates", strconv.Itoa(cfg.federates))
	h.set("Delta Time", strconv.FormatFloat(cfg.deltaTime, 'g', -1, 64))
	h.set("Final Time", strconv.FormatFloat(cfg.finalTime, 'g', -1, 64))

	links := make([]*ringLink, 0, len(indexes))

	for _, i := range indexes {
		l, err := newRingLink(ctx, h, cfg, i)
		if err != nil {
			return ringReport{}, err
		}

		links = append(links, l)
	}

	var bar *monitoring.ProgressBar
	if h.monitor != nil {
		bar = h.monitor.CreateProgressBar("ring", uint64(cfg.steps()))
		defer h.monitor.CompleteProgressBar(bar)
	}

	bodies := make([]func() error, 0, len(links))
	for _, l := range links {
		bodies = append(bodies, func() error { return l.run(cfg, bar) })
	}

	if err := h.runFederates(ctx, bodies...); err != nil {
		return ringReport{}, err
	}

	report := ringReport{
		Hops:   make(map[string]int),
		Grants: make(map[string]uint64),
	}

	for _, l := range links {
		name := linkName(l.index)
		report.Hops[name] = l.hops
		report.Grants[name] = h.counter.Count(name, timecoord.NextStep)
	}

	h.set("Loop Count", strconv.Itoa(report.LoopCount()))

	return report, nil
}

func printRing(w io.Writer, cfg ringConfig, r ringReport) {
	for i := 0; i < cfg.federates; i++ {
		name := linkName(i)
		if hops, ok := r.Hops[name]; ok {
			fmt.Fprintf(w, "%s: %d hops, %d grants\n", name, hops, r.Grants[name])
		}
	}

	fmt.Fprintf(w, "loop count: %d\n", r.LoopCount())
}

var ringCmd = &cobra.Command{
	Use:   "ring",
	Short: "Run the ring benchmark.",
	Long: "`ring` passes a token around a ring of federates, one hop per " +
		"time step, and prints how many hops it made.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := ringConfig{token: make([]byte, 100)}
		for i := range cfg.token {
			cfg.token[i] = '1'
		}

		flags := cmd.Flags()
		cfg.federates, _ = flags.GetInt("federates")
		cfg.index, _ = flags.GetInt("index")
		cfg.deltaTime, _ = flags.GetFloat64("delta_time")
		cfg.finalTime, _ = flags.GetFloat64("final_time")
		cfg.host = hostConfigFromFlags(cmd)

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		report, err := runRing(ctx, cfg)
		if err != nil {
			return err
		}

		printRing(cmd.OutOrStdout(), cfg, report)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(ringCmd)

	ringCmd.Flags().Int("federates", 3, "Number of links in the ring.")
	ringCmd.Flags().Int("index", -1,
		"Run only this link. A negative index runs every link.")
	ringCmd.Flags().Float64("delta_time", 1, "Length of a time step in seconds.")
	ringCmd.Flags().Float64("final_time", 10, "Time at which the ring stops.")
	addHostFlags(ringCmd)
}
