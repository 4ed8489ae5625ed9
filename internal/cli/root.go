// Package cli assembles the rom-converto command tree.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/subosito/gotenv"
	"hermannm.dev/devlog"

	ciacmd "github.com/devyukine/rom-converto/internal/cli/cia"
	"github.com/devyukine/rom-converto/internal/cli/selfupdate"
	"github.com/devyukine/rom-converto/internal/cli/shared"
)

// EnvLogLevel selects the log level (error, warn, info, debug).
const EnvLogLevel = "ROM_CONVERTO_LOG"

var (
	logLevel slog.LevelVar
	debug    bool
)

var rootCmd = &cobra.Command{
	Use:   "rom-converto",
	Short: "Nintendo 3DS CDN and CIA conversion toolkit",
	Long: `Convert Nintendo 3DS title distribution artifacts.

rom-converto packages CDN title directories (TMD + encrypted contents +
optional cetk) into installable CIA files, and decrypts CIAs into the
normalized form 3DS emulators ingest directly.

Keys are never shipped with the tool. Provide them via environment
variables or a key file:

- ROM_CONVERTO_COMMON_KEYS         - six comma-separated hex common keys
- ROM_CONVERTO_NCCH_KEYX           - slot=hex pairs (0x2C, 0x25, 0x18, 0x1B)
- ROM_CONVERTO_SEEDDB              - default SeedDB path
- ROM_CONVERTO_KEYFILE_PASSPHRASE  - passphrase for encrypted key files
- ROM_CONVERTO_LOG                 - log level (error, warn, info, debug)

A .env file in the working directory is loaded at startup if present.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logLevel.Set(slog.LevelDebug)
		}
	},
}

func init() {
	gotenv.Load()

	slog.SetDefault(slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{
		Level: &logLevel,
	})))
	logLevel.Set(levelFromEnv())

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&shared.Quiet, "quiet", "q", false, "Disable the interactive progress display")

	rootCmd.AddCommand(ciacmd.Cmd)
	rootCmd.AddCommand(selfupdate.Cmd)
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv(EnvLogLevel)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Execute runs the command tree and maps failures to exit codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var exit *shared.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
