package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sarchlab/cosim/core"
	"github.com/sarchlab/cosim/sim"
	"github.com/sarchlab/cosim/timecoord"
)

const hubEndpoint = "hub"

// echoConfig configures the echo benchmark. Every leaf sends one message to
// the hub per time step and the hub sends it back.
type echoConfig struct {
	leaves    int
	index     int
	deltaTime float64
	finalTime float64
	host      hostConfig
}

func (c echoConfig) steps() int {
	return int(c.finalTime/c.deltaTime + 1e-9)
}

func (c echoConfig) validate() error {
	switch {
	case c.leaves < 1:
		return fmt.Errorf("echo needs at least 1 leaf, got %d", c.leaves)
	case c.deltaTime <= 0:
		return fmt.Errorf("delta time must be positive, got %g", c.deltaTime)
	case c.steps() < 1:
		return fmt.Errorf("final time %g is shorter than one step", c.finalTime)
	case c.index > c.leaves:
		return fmt.Errorf("index %d is out of a hub with %d leaves",
			c.index, c.leaves)
	case c.index >= 0 && c.host.brokerAddr == "":
		return fmt.Errorf("running federate %d alone needs a broker", c.index)
	}

	return nil
}

// echoReport counts the messages each federate run here echoed or got
// back.
type echoReport struct {
	Echoes map[string]int
}

func leafName(i int) string {
	return "echoleaf_" + strconv.Itoa(i)
}

func leafEndpoint(i int) string {
	return "leaf_" + strconv.Itoa(i)
}

// echoFederate is the hub when leaf is negative, and a leaf otherwise.
type echoFederate struct {
	name    string
	leaf    int
	core    *core.CommonCore
	fed     sim.LocalFederateID
	ept     sim.InterfaceHandle
	payload []byte
	echoes  int
}

func newEchoFederate(
	ctx context.Context,
	h *host,
	cfg echoConfig,
	leaf int,
) (*echoFederate, error) {
	e := &echoFederate{name: "echohub", leaf: leaf}
	eptName := hubEndpoint

	if leaf >= 0 {
		e.name = leafName(leaf)
		eptName = leafEndpoint(leaf)
		e.payload = []byte("echo from " + e.name)
	}

	c, err := h.addCore(ctx, "core_"+e.name)
	if err != nil {
		return nil, err
	}

	delta := sim.VTimeFromSeconds(cfg.deltaTime)

	info := core.DefaultFederateInfo()
	info.Period = delta
	info.Lookahead = delta / 2

	e.core = c

	e.fed, err = c.RegisterFederate(e.name, info)
	if err != nil {
		return nil, err
	}

	e.ept, err = c.RegisterEndpoint(e.fed, eptName, "")
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *echoFederate) run(cfg echoConfig) error {
	if _, err := e.core.EnterExecutingState(e.fed, timecoord.NoIterations); err != nil {
		return err
	}

	if e.leaf < 0 {
		return e.runHub(cfg)
	}

	return e.runLeaf(cfg)
}

// runHub sends every message back to its source.
func (e *echoFederate) runHub(cfg echoConfig) error {
	delta := sim.VTimeFromSeconds(cfg.deltaTime)

	for k := 1; k <= cfg.steps(); k++ {
		if _, err := e.core.TimeRequest(e.fed, delta*sim.VTime(k)); err != nil {
			return err
		}

		for _, m := e.core.ReceiveAny(e.fed); m != nil; _, m = e.core.ReceiveAny(e.fed) {
			if err := e.core.Send(e.ept, m.Source, m.Data); err != nil {
				return err
			}

			e.echoes++
		}
	}

	return e.core.Finalize(e.fed)
}

// runLeaf sends its payload at every step whose echo can come back before
// the final time.
func (e *echoFederate) runLeaf(cfg echoConfig) error {
	delta := sim.VTimeFromSeconds(cfg.deltaTime)
	steps := cfg.steps()

	if steps >= 2 {
		if err := e.core.Send(e.ept, hubEndpoint, e.payload); err != nil {
			return err
		}
	}

	for k := 1; k <= steps; k++ {
		if _, err := e.core.TimeRequest(e.fed, delta*sim.VTime(k)); err != nil {
			return err
		}

		for m := e.core.Receive(e.ept); m != nil; m = e.core.Receive(e.ept) {
			if !bytes.Equal(m.Data, e.payload) {
				return fmt.Errorf("%s got %q back", e.name, m.Data)
			}

			e.echoes++
		}

		if k <= steps-2 {
			if err := e.core.Send(e.ept, hubEndpoint, e.payload); err != nil {
				return err
			}
		}
	}

	return e.core.Finalize(e.fed)
}

func runEcho(ctx context.Context, cfg echoConfig) (echoReport, error) {
	if err := cfg.validate(); err != nil {
		return echoReport{}, err
	}

	// Index 0 is the hub and index i the leaf i-1.
	indexes := []int{cfg.index}
	if cfg.index < 0 {
		indexes = indexes[:0]
		for i := 0; i <= cfg.leaves; i++ {
			indexes = append(indexes, i)
		}
	}

	cfg.host.federates = cfg.leaves + 1

	h, err := startHost(ctx, cfg.host)
	if err != nil {
		return echoReport{}, err
	}
	defer h.close()

	h.set("Benchmark", "echo")
	h.set("Leaves", strconv.Itoa(cfg.leaves))

	feds := make([]*echoFederate, 0, len(indexes))

	for _, i := range indexes {
		e, err := newEchoFederate(ctx, h, cfg, i-1)
		if err != nil {
			return echoReport{}, err
		}

		feds = append(feds, e)
	}

	bodies := make([]func() error, 0, len(feds))
	for _, e := range feds {
		bodies = append(bodies, func() error { return e.run(cfg) })
	}

	if err := h.runFederates(ctx, bodies...); err != nil {
		return echoReport{}, err
	}

	report := echoReport{Echoes: make(map[string]int)}
	for _, e := range feds {
		report.Echoes[e.name] = e.echoes
	}

	return report, nil
}

func printEcho(w io.Writer, cfg echoConfig, r echoReport) {
	if n, ok := r.Echoes["echohub"]; ok {
		fmt.Fprintf(w, "echohub: %d echoed\n", n)
	}

	total := 0

	for i := 0; i < cfg.leaves; i++ {
		if n, ok := r.Echoes[leafName(i)]; ok {
			fmt.Fprintf(w, "%s: %d received\n", leafName(i), n)
			total += n
		}
	}

	fmt.Fprintf(w, "echo count: %d\n", total)
}

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Run the echo benchmark.",
	Long: "`echo` runs a hub and --max_index leaves. Each leaf sends one " +
		"message to the hub per time step, which the hub sends back.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := echoConfig{}

		flags := cmd.Flags()
		cfg.leaves, _ = flags.GetInt("max_index")
		cfg.index, _ = flags.GetInt("index")
		cfg.deltaTime, _ = flags.GetFloat64("delta_time")
		cfg.finalTime, _ = flags.GetFloat64("final_time")
		cfg.host = hostConfigFromFlags(cmd)

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		report, err := runEcho(ctx, cfg)
		if err != nil {
			return err
		}

		printEcho(cmd.OutOrStdout(), cfg, report)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(echoCmd)

	echoCmd.Flags().Int("max_index", 2, "Number of leaves.")
	echoCmd.Flags().Int("index", -1,
		"Run only this federate: 0 is the hub and i the leaf i-1. "+
			"A negative index runs every federate.")
	echoCmd.Flags().Float64("delta_time", 1, "Length of a time step in seconds.")
	echoCmd.Flags().Float64("final_time", 10, "Time at which the echo stops.")
	addHostFlags(echoCmd)
}
