package cia

import (
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devyukine/rom-converto/internal/cli/shared"
	"github.com/devyukine/rom-converto/internal/progress"
	"github.com/devyukine/rom-converto/lib/ctr/pipeline"
)

var (
	packInput    string
	packOutput   string
	packTitleKey string
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Package a CDN title directory into a CIA",
	Long: `Assemble a CIA from a CDN title directory.

The directory must hold a TMD (the highest-versioned tmd.NNN wins) and
the content files it references, named by their 8-hex-digit content id.
A cetk ticket is used when present; otherwise pass the title's
encrypted title key with --title-key and a minimal ticket is
synthesized.

Contents are copied as-is: a packed CIA stays CDN-encrypted and
installs on hardware. Use 'cia decrypt' to produce an emulator-ready
file.

Example:
  rom-converto cia pack --input ./0004000000055d00 --output game.cia`,
	RunE: runPack,
}

func init() {
	packCmd.Flags().StringVarP(&packInput, "input", "i", "", "CDN title directory")
	packCmd.Flags().StringVarP(&packOutput, "output", "o", "", "Output CIA path (default <input>.cia)")
	packCmd.Flags().StringVar(&packTitleKey, "title-key", "", "Encrypted title key (hex) for ticket synthesis")
	packCmd.MarkFlagRequired("input")
}

func runPack(cmd *cobra.Command, args []string) error {
	output := packOutput
	if output == "" {
		output = strings.TrimSuffix(filepath.Clean(packInput), string(filepath.Separator)) + ".cia"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.PackOptions{
		InputDir:    packInput,
		OutputPath:  output,
		TitleKeyHex: packTitleKey,
	}

	var ui *progress.UI
	if shared.Interactive() {
		ui = progress.Start()
		opts.Reporter = ui.Reporter()
	} else {
		opts.Reporter = progress.NewLogReporter()
	}

	err := pipeline.Pack(ctx, opts)
	if ui != nil {
		ui.Wait()
	}
	if err != nil {
		return shared.PackExit(err)
	}
	slog.Info("packed", "output", output)
	return nil
}
