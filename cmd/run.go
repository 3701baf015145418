package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/zjrosen/testbridge/internal/bridge"
	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/launch"
	"github.com/zjrosen/testbridge/internal/log"
	"github.com/zjrosen/testbridge/internal/report"
	"github.com/zjrosen/testbridge/internal/rpc"
	"github.com/zjrosen/testbridge/internal/session"
	"github.com/zjrosen/testbridge/internal/tracing"
)

var (
	runVerbose bool
	runScript  string
)

var runCmd = &cobra.Command{
	Use:   "run [-- runner args...]",
	Short: "Launch the test runner and report its results",
	Long: `Launch the configured test runner and print its results.

The runner receives the bridge port through runner.port_flag and
runner.port_env. Arguments after -- are appended to runner.args.
Interrupting stops the runner; the command exits 1 if any test failed.

Examples:
  testbridge run --script run_tests.py
  testbridge run -- tests/test_api.py -k login`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "print running tests, captured output and runner output")
	runCmd.Flags().StringVar(&runScript, "script", "", "runner script (overrides runner.script)")
	rootCmd.AddCommand(runCmd)
}

// signalNotify is replaced in tests.
var signalNotify = signal.Notify

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	runner := cfg.Runner
	if runScript != "" {
		runner.Script = runScript
	}
	if len(args) > 0 {
		runner.Args = append(append([]string{}, runner.Args...), args...)
	}

	provider, err := tracing.Setup(ctx, cfg.Trace, version, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	allocator, err := rpc.NewAllocator(cfg.Listener.PortRangeStart, cfg.Listener.PortRangeEnd)
	if err != nil {
		return err
	}

	consoleOpts := []report.ConsoleOption{report.WithVerbose(runVerbose)}
	if noColor {
		consoleOpts = append(consoleOpts, report.WithNoColor())
	}
	console := report.NewConsole(cmd.OutOrStdout(), consoleOpts...)

	var runnerOut io.Writer
	if runVerbose {
		runnerOut = cmd.ErrOrStderr()
	}

	manager := session.NewManager(cfg.Session.TombstoneTTL)
	launcher := launch.NewLauncher(manager,
		launch.WithBridgeOptions(
			bridge.WithTracer(provider.Tracer()),
			bridge.WithAllocator(allocator),
			bridge.WithListenerConfig(listenerConfig(cfg.Listener)),
		),
		launch.WithOutput(runnerOut, runnerOut),
	)

	run, err := launcher.Launch(ctx, runner, console)
	if err != nil {
		return err
	}
	defer run.Bridge.Dispose()

	watchConfig()

	sigs := make(chan os.Signal, 1)
	signalNotify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	waitForRun(run, sigs)
	<-console.Done()

	summary := console.Summary()
	if summary.HasFailures() {
		return errTestsFailed
	}
	if code := run.Session.ExitCode(); code != 0 && summary.Total() == 0 {
		return fmt.Errorf("runner exited with code %d before reporting any tests", code)
	}
	return nil
}

// waitForRun blocks until the bridge is disposed. The first signal asks the
// runner to stop; disposal follows when the process exits.
func waitForRun(run *launch.Run, sigs <-chan os.Signal) {
	for {
		select {
		case <-run.Bridge.Done():
			return
		case sig := <-sigs:
			log.Info(log.CatLaunch, "Received signal, stopping runner", "signal", sig.String())
			run.Bridge.Stop()
		}
	}
}

func listenerConfig(lc config.ListenerConfig) rpc.Config {
	return rpc.Config{
		Host:            lc.Host,
		Path:            lc.Path,
		ShutdownTimeout: lc.ShutdownTimeout,
	}
}

// watchConfig re-applies the log level when the config file changes.
func watchConfig() {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(onConfigChange)
	v.WatchConfig()
}

func onConfigChange(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	level := v.GetString("log.level")
	log.Info(log.CatConfig, "Config file changed", "path", e.Name, "log.level", level)
	applyLogLevel(level)
}
