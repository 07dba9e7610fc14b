// Package cmd provides the command-line interface of cosim.
package cmd

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"
)

// envPrefix starts the environment variables that give flag defaults.
const envPrefix = "COSIM_"

var logger = zerolog.Nop()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cosim",
	Short: "cosim runs brokers and benchmark federations of a co-simulation.",
	Long: `cosim runs brokers and benchmark federations of a co-simulation. ` +
		`Flags that are not given on the command line are read from ` +
		`COSIM_<FLAG> environment variables, which a .env file may set.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := loadEnv(envFile); err != nil {
			return err
		}

		if err := applyEnv(cmd.Flags()); err != nil {
			return err
		}

		level, _ := cmd.Flags().GetString("log-level")

		l, err := newLogger(level)
		if err != nil {
			return err
		}

		logger = l

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env",
		"File with COSIM_* defaults. A missing file is ignored.")
	rootCmd.PersistentFlags().String("log-level", "warn",
		"Log level: trace, debug, info, warn, error or disabled.")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. It exits with 1 if the command failed.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// loadEnv adds the variables of a .env file to the environment. Variables
// that are already set win.
func loadEnv(filename string) error {
	if filename == "" {
		return nil
	}

	err := godotenv.Load(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

func envName(flag string) string {
	name := strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
	return envPrefix + name
}

// applyEnv sets the flags that were not given on the command line from
// their environment variables.
func applyEnv(flags *pflag.FlagSet) error {
	var err error

	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Changed {
			return
		}

		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}

		err = flags.Set(f.Name, v)
	})

	return err
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Logger(), nil
}
