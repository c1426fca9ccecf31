// Command netforeman is a single-shot network-health supervisor: it
// runs a set of configured checks against the kernel FIB and the
// running-process table, firing mail/exec/route-install actions on
// failure, then exits with the aggregate run status.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/israel-lugo/netforeman/internal/config"
	"github.com/israel-lugo/netforeman/internal/dispatch"
	"github.com/israel-lugo/netforeman/internal/fibiface"
	"github.com/israel-lugo/netforeman/internal/linuxfib"
	"github.com/israel-lugo/netforeman/internal/modules/email"
	"github.com/israel-lugo/netforeman/internal/modules/fib"
	"github.com/israel-lugo/netforeman/internal/modules/process"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	globalDebug  bool
	globalLogger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:     "netforeman CONFIG-FILE",
	Short:   "Single-shot network-health supervisor",
	Version: version,
	Args:    cobra.ExactArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalDebug {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(globalLogger)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		os.Exit(int(run(args[0])))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&globalDebug, "debug", "d", false, "enable debug logging")
	rootCmd.Flags().BoolP("version", "V", false, "print the version and exit")
}

// registry wires every compiled-in module to its configuration name.
// "fib_linux" binds the FIB module to the real Linux rtnetlink
// binding; other FIB bindings could register under other names
// without touching the fib module itself.
func registry() config.Registry {
	return config.Registry{
		"fib_linux": fib.RegisterModule("fib_linux", func() (fibiface.FIBInterface, error) {
			return linuxfib.New()
		}),
		"email":   email.RegisterModule("email", email.SMTPSender{}),
		"process": process.RegisterModule("process"),
	}
}

// run loads and executes the configured modules, returning the
// aggregate ModuleRunStatus to use as the process exit code (spec §6).
func run(configFile string) config.ModuleRunStatus {
	d, err := dispatch.New(configFile, registry(), globalLogger)
	if err != nil {
		globalLogger.Error("failed to load configuration", "error", err)
		return config.StatusCheckFailed
	}
	return d.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(int(config.StatusUnknownError))
	}
}
