package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/settleline/recond/internal/di"
)

// sweepCmd runs one maintenance pass over the idempotency store: re-emits
// raw records whose bus publish was lost to a crash, then purges keys past
// their TTL. Useful from cron against a stopped daemon's stores.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover unpublished webhook events and purge expired idempotency keys",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return err
	}
	ctx := cmd.Context()
	defer func() { _ = provider.Close(ctx) }()

	sweeper, err := di.Sweeper(container)
	if err != nil {
		return err
	}
	recovered, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep unpublished: %w", err)
	}

	idem, err := di.Idempotency(container)
	if err != nil {
		return err
	}
	purged, err := idem.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("purge expired: %w", err)
	}

	if !quiet {
		fmt.Printf("re-emitted %d unpublished events, purged %d expired keys\n", recovered, purged)
	}
	return nil
}
