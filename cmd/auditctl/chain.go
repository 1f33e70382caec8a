package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"auditchain/internal/audit/alerts"
	"auditchain/internal/audit/handler"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/retention"
	"auditchain/internal/audit/service"
	"auditchain/internal/audit/workers/reaper"
	id "auditchain/pkg/domain"
)

var errChainBroken = errors.New("audit chain integrity violation detected")

func newVerifyCmd(a *app) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify one tenant's hash chain",
		Long: `Walk the tenant's chain in index order, recomputing every hash and
checking every link. Prints the result as JSON and exits non-zero when the
chain is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenantID, err := id.ParseTenantID(tenant)
			if err != nil {
				return err
			}
			st, closer, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck // process is exiting

			verifier := service.NewVerifier(st,
				service.WithVerifyBatchSize(a.cfg.Audit.VerifyBatchSize),
				service.WithVerifierAlerts(alerts.NewLogPublisher(a.log)),
				service.WithVerifierLogger(a.log),
			)
			result, err := verifier.Verify(cmd.Context(), tenantID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Valid {
				return errChainBroken
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (UUID)")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		tenant string
		format string
		from   string
		to     string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a tenant's entries as JSON or CSV",
		Long: `Stream the tenant's entries, newest first, in the same format the
HTTP export serves. --from and --to accept RFC 3339 timestamps or YYYY-MM-DD;
a calendar --to covers the whole day.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			tenantID, err := id.ParseTenantID(tenant)
			if err != nil {
				return err
			}
			window, err := handler.ParseWindow(from, to)
			if err != nil {
				return err
			}

			st, closer, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck // process is exiting

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}

			exporter := service.NewExporter(st, service.WithExportBatchSize(a.cfg.Audit.ExportBatchSize))
			return exporter.Export(cmd.Context(), tenantID, models.ExportFormat(format), window, w)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID (UUID)")
	cmd.Flags().StringVar(&format, "format", string(models.ExportJSON), "json or csv")
	cmd.Flags().StringVar(&from, "from", "", "inclusive start of the window")
	cmd.Flags().StringVar(&to, "to", "", "inclusive end of the window")
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newReapCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete entries older than each tenant's retention window",
		Long: `Truncate the expired prefix of every tenant chain. With --once a single
sweep runs and its totals are printed; otherwise the reaper keeps running on
AUDIT_REAPER_INTERVAL until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closer, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck // process is exiting

			r, err := reaper.New(st, retention.NewStaticPolicy(a.cfg.Audit),
				reaper.WithInterval(a.cfg.Audit.ReaperInterval),
				reaper.WithBatch(a.cfg.Audit.ReaperBatch),
				reaper.WithAlerts(alerts.NewLogPublisher(a.log)),
				reaper.WithLogger(a.log),
			)
			if err != nil {
				return err
			}

			if !once {
				if err := r.Start(cmd.Context()); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			res, err := r.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "tenants scanned: %d, truncated: %d, entries deleted: %d\n",
				res.TenantsScanned, res.TenantsTruncated, res.Deleted)
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}
