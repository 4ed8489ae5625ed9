package cia

import (
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devyukine/rom-converto/internal/cli/shared"
	"github.com/devyukine/rom-converto/internal/progress"
	"github.com/devyukine/rom-converto/lib/ctr/keys"
	"github.com/devyukine/rom-converto/lib/ctr/pipeline"
)

var (
	decryptInput  string
	decryptOutput string
	decryptSeedDB string
	decryptKeys   string
	decryptStrict bool
	decryptFilter string
)

var decryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt a CIA for emulator ingestion",
	Long: `Decrypt every NCCH content of a CIA and rewrite its crypto flags.

The title key is unwrapped from the ticket with the platform common
keys, 9.6+ seed crypto is resolved through a SeedDB, and the NCCH
secondary keys are derived per partition. Content hashes in the TMD are
left untouched; emulators do not re-verify them (mismatches log a
warning, or fail the run with --strict).

Example:
  rom-converto cia decrypt --input game.cia --seed-db seeddb.bin

Select contents with a filter expression over id, index, size, and
optional:
  rom-converto cia decrypt --input game.cia --filter 'index == 0'`,
	RunE: runDecrypt,
}

func init() {
	decryptCmd.Flags().StringVarP(&decryptInput, "input", "i", "", "Input CIA file")
	decryptCmd.Flags().StringVarP(&decryptOutput, "output", "o", "", "Output CIA path (default <input>-decrypted.cia)")
	decryptCmd.Flags().StringVar(&decryptSeedDB, "seed-db", "", "SeedDB path (or set ROM_CONVERTO_SEEDDB)")
	decryptCmd.Flags().StringVar(&decryptKeys, "keys", "", "Key file path (overrides environment keys)")
	decryptCmd.Flags().BoolVar(&decryptStrict, "strict", false, "Treat TMD hash mismatches as fatal")
	decryptCmd.Flags().StringVar(&decryptFilter, "filter", "", "Expression selecting contents to decrypt")
	decryptCmd.MarkFlagRequired("input")
}

func runDecrypt(cmd *cobra.Command, args []string) error {
	output := decryptOutput
	if output == "" {
		output = strings.TrimSuffix(decryptInput, ".cia") + "-decrypted.cia"
	}

	var provider *keys.Provider
	var err error
	if decryptKeys != "" {
		provider, err = keys.FromKeyFile(decryptKeys)
	} else {
		provider, err = keys.FromEnv()
	}
	if err != nil {
		return shared.Exit(shared.ExitCryptoError, err)
	}
	if decryptSeedDB != "" {
		provider.SetSeedDBPath(decryptSeedDB)
	}

	var filter *pipeline.ContentFilter
	if decryptFilter != "" {
		filter, err = pipeline.NewContentFilter(decryptFilter)
		if err != nil {
			return shared.Exit(shared.ExitParseError, err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.DecryptOptions{
		InputPath:  decryptInput,
		OutputPath: output,
		Keys:       provider,
		Strict:     decryptStrict,
		Filter:     filter,
	}

	var ui *progress.UI
	if shared.Interactive() {
		ui = progress.Start()
		opts.Reporter = ui.Reporter()
	} else {
		opts.Reporter = progress.NewLogReporter()
	}

	err = pipeline.Decrypt(ctx, opts)
	if ui != nil {
		ui.Wait()
	}
	if err != nil {
		return shared.DecryptExit(err)
	}
	slog.Info("decrypted", "output", output)
	return nil
}
