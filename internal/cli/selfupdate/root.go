// Package selfupdate hosts the `self-update` command.
package selfupdate

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/devyukine/rom-converto/internal/cli/shared"
	updater "github.com/devyukine/rom-converto/internal/selfupdate"
	"github.com/devyukine/rom-converto/internal/version"
)

var force bool

// Cmd is the `self-update` command.
var Cmd = &cobra.Command{
	Use:   "self-update",
	Short: "Update rom-converto to the latest release",
	Long: `Download the latest release, verify its checksum, and replace the
running binary in place. Nothing is touched until the downloaded
artifact's SHA-256 matches the release checksum manifest.`,
	RunE: runSelfUpdate,
}

func init() {
	Cmd.Flags().BoolVar(&force, "force", false, "Reinstall even when already on the latest version")
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	u := &updater.Updater{
		Repo:    updater.DefaultRepo,
		Version: version.Version,
	}

	rel, err := u.Latest(cmd.Context())
	if err != nil {
		return exitFor(err)
	}
	if u.UpToDate(rel) && !force {
		slog.Info("already up to date", "version", version.Version)
		return nil
	}

	slog.Info("updating", "from", version.Version, "to", rel.Version)
	if err := u.Apply(cmd.Context(), rel); err != nil {
		return exitFor(err)
	}

	notes := rel.Version
	if rel.HTMLURL != "" {
		notes = ansi.SetHyperlink(rel.HTMLURL) + rel.Version + ansi.SetHyperlink("")
	}
	fmt.Printf("Updated to %s\n", notes)
	return nil
}

func exitFor(err error) error {
	var netErr *updater.NetworkError
	if errors.As(err, &netErr) {
		return shared.Exit(shared.ExitNetworkError, err)
	}
	return shared.Exit(1, err)
}
