package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/settleline/recond/internal/di"
	"github.com/settleline/recond/internal/reprocess"
	"github.com/settleline/recond/internal/types"
)

var (
	reprocessTenant     string
	reprocessConnection string
	reprocessFrom       string
	reprocessTo         string
	reprocessLimit      int
)

// reprocessCmd re-runs the matcher over transactions still waiting for a
// settlement line, typically after a late settlement file lands.
var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Re-run matching over unmatched transactions",
	Long: `Re-run the matching ladder over PENDING, UNMATCHED and PARTIAL_MATCH
transactions for one tenant, optionally narrowed to a connection and a
transaction date window.`,
	RunE: runReprocess,
}

func init() {
	rootCmd.AddCommand(reprocessCmd)

	reprocessCmd.Flags().StringVar(&reprocessTenant, "tenant", "", "tenant id (required)")
	reprocessCmd.Flags().StringVar(&reprocessConnection, "connection", "", "restrict to one connection")
	reprocessCmd.Flags().StringVar(&reprocessFrom, "from", "", "transaction date lower bound (YYYY-MM-DD)")
	reprocessCmd.Flags().StringVar(&reprocessTo, "to", "", "transaction date upper bound (YYYY-MM-DD)")
	reprocessCmd.Flags().IntVar(&reprocessLimit, "limit", 0, "maximum transactions to scan (0 = no limit)")
	_ = reprocessCmd.MarkFlagRequired("tenant")
}

func runReprocess(cmd *cobra.Command, args []string) error {
	request, err := buildReprocessRequest()
	if err != nil {
		return err
	}

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

	service, err := di.Reprocess(container)
	if err != nil {
		return err
	}
	summary, err := service.Run(ctx, request)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("scanned %d: %d matched, %d partial, %d unmatched, %d failed\n",
			summary.Scanned, summary.Matched, summary.Partial, summary.Unmatched, summary.Failed)
	}
	return nil
}

func buildReprocessRequest() (reprocess.Request, error) {
	tenant, err := types.ParseID(reprocessTenant)
	if err != nil {
		return reprocess.Request{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	request := reprocess.Request{
		TenantID:     tenant,
		ConnectionID: reprocessConnection,
		Limit:        reprocessLimit,
	}
	if reprocessFrom != "" {
		if request.DateFrom, err = types.ParseDate(reprocessFrom); err != nil {
			return reprocess.Request{}, fmt.Errorf("invalid --from date: %w", err)
		}
	}
	if reprocessTo != "" {
		if request.DateTo, err = types.ParseDate(reprocessTo); err != nil {
			return reprocess.Request{}, fmt.Errorf("invalid --to date: %w", err)
		}
	}
	return request, nil
}
