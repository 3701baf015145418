package cmd

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/kolo/xmlrpc"
	"github.com/spf13/cobra"

	"github.com/zjrosen/testbridge/internal/rpc"
)

var (
	notifyPort int
	notifyHost string
	notifyPath string
)

var notifyCmd = &cobra.Command{
	Use:   "notify --port N status [output errors location test]",
	Short: "Send one notifyTest call to a running bridge",
	Long: `Send one notifyTest call to a running bridge, acting as the test runner.

Arguments are passed through as positional string parameters. A bridge only
dispatches calls with exactly five (status, output, errors, location, test);
other counts are acknowledged and dropped.

Examples:
  testbridge notify --port 8765 ok "" "" mod.py:10 test_foo
  testbridge notify --port 8765 fail out trace`,
	Args: cobra.ArbitraryArgs,
	RunE: runNotify,
}

func init() {
	notifyCmd.Flags().IntVarP(&notifyPort, "port", "p", 0, "bridge listener port (required)")
	notifyCmd.Flags().StringVar(&notifyHost, "host", "", "bridge host (default listener.host)")
	notifyCmd.Flags().StringVar(&notifyPath, "path", "", "endpoint path (default /RPC2)")
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, args []string) error {
	if notifyPort == 0 {
		return errors.New("--port is required")
	}
	if err := rpc.ValidatePort(notifyPort); err != nil {
		return err
	}

	client, err := xmlrpc.NewClient(notifyURL(), nil)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer func() { _ = client.Close() }()

	params := make([]interface{}, len(args))
	for i, a := range args {
		params[i] = a
	}

	var result string
	if err := client.Call("notifyTest", params, &result); err != nil {
		return fmt.Errorf("notifyTest: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), result)
	return err
}

func notifyURL() string {
	host := notifyHost
	if host == "" {
		host = cfg.Listener.Host
	}
	path := notifyPath
	if path == "" {
		path = cfg.Listener.Path
	}
	if path == "" || path == "/" {
		path = "/RPC2"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(notifyPort)) + "/" + strings.TrimPrefix(path, "/")
}
