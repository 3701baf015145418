package launch

import (
	"strconv"
	"strings"

	"github.com/zjrosen/testbridge/internal/config"
)

// BuildEnv returns base with the bridge port exported under cfg.PortEnv.
// An existing entry for the same variable is replaced. Returns base
// unchanged when PortEnv is empty.
func BuildEnv(base []string, cfg config.RunnerConfig, port int) []string {
	if cfg.PortEnv == "" {
		return base
	}
	prefix := cfg.PortEnv + "="
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if !strings.HasPrefix(kv, prefix) {
			env = append(env, kv)
		}
	}
	return append(env, prefix+strconv.Itoa(port))
}

// BuildArgs returns the interpreter arguments: script, configured args, then
// the port flag and port when PortFlag is set.
func BuildArgs(cfg config.RunnerConfig, port int) []string {
	var args []string
	if cfg.Script != "" {
		args = append(args, cfg.Script)
	}
	args = append(args, cfg.Args...)
	if cfg.PortFlag != "" {
		args = append(args, cfg.PortFlag, strconv.Itoa(port))
	}
	return args
}
