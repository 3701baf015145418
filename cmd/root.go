// Package cmd implements the testbridge command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/log"
)

var (
	cfgFile string
	noColor bool

	// v holds the layered configuration (defaults, file, environment).
	v = viper.New()
	// cfg is the validated configuration, loaded before any subcommand runs.
	cfg = config.Defaults()

	closeLog = func() {}
)

// errTestsFailed makes the process exit 1 without printing an error; the
// console summary already says what failed.
var errTestsFailed = errors.New("tests failed")

var rootCmd = &cobra.Command{
	Use:   "testbridge",
	Short: "Run an external test runner and stream its results",
	Long: `testbridge launches an external test runner, hands it the port of a
local XML-RPC listener and prints every notifyTest call the runner makes.

Configuration is read from testbridge.yaml in the working directory or the
user config directory, and from TESTBRIDGE_* environment variables.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./testbridge.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	closeLog()
	if err == nil {
		return
	}
	if !errors.Is(err, errTestsFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}

func loadConfig(_ *cobra.Command, _ []string) error {
	config.Setup(v, cfgFile)
	if err := config.Read(v); err != nil {
		initLogging(config.Defaults().Log)
		return err
	}

	loaded, err := config.Load(v)
	if err != nil {
		initLogging(config.Defaults().Log)
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	initLogging(cfg.Log)
	if used := v.ConfigFileUsed(); used != "" {
		log.Debug(log.CatConfig, "Loaded config file", "path", used)
	}
	return nil
}

// initLogging sends logs to the configured file, or to stderr when no path
// is set.
func initLogging(lc config.LogConfig) {
	if lc.Path != "" {
		cleanup, err := log.Init(lc.Path, lc.BufferSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not open log file %s: %v\n", lc.Path, err)
			log.InitWriter(os.Stderr, lc.BufferSize)
		} else {
			closeLog = cleanup
		}
	} else {
		log.InitWriter(os.Stderr, lc.BufferSize)
	}
	applyLogLevel(lc.Level)
}

func applyLogLevel(level string) {
	if level == "" {
		return
	}
	lvl, ok := log.ParseLevel(level)
	if !ok {
		log.Warn(log.CatConfig, "Ignoring unknown log level", "level", level)
		return
	}
	log.SetMinLevel(lvl)
}
