package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/testbridge/internal/config"
	"github.com/zjrosen/testbridge/internal/log"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the testbridge configuration file",
	// Skips loading so a broken file can be replaced.
	PersistentPreRunE: func(*cobra.Command, []string) error {
		initLogging(config.Defaults().Log)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration as YAML",
	Long: `Write the default configuration as YAML.

The file is written to ./testbridge.yaml unless a path is given. An existing
file is kept unless --force is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.FileName + ".yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if err := config.WriteDefault(path, configForce); err != nil {
		return err
	}
	log.Info(log.CatConfig, "Wrote default config", "path", path)
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return err
}
