package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-blob/pkg/simpleblob/config"
	"github.com/tendant/simple-blob/pkg/simpleblob/quota"
)

func NewStoresCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stores",
		Short: "List stores with their current metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STORE\tBLOBS\tSIZE\tKIND")
			for _, name := range rt.StoreNames() {
				target, _ := rt.RecalcTarget(name)
				m := target.Metrics().Current()
				kind := "store"
				if _, ok := rt.Groups[name]; ok {
					kind = "group"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", name, m.BlobCount, humanize.Bytes(uint64(m.TotalSize)), kind)
			}
			return w.Flush()
		},
	}
}

func NewRecalculateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate [store...]",
		Short: "Rebuild store metrics from the attribute records and persist them",
		Long: `Rebuilds blob count and total size by scanning every attributes record.
With no arguments every store is recalculated; groups are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			names := args
			if len(names) == 0 {
				names = rt.StoreNames()
			}
			for _, name := range names {
				result, err := rt.Recalculate(ctx, name)
				if err != nil {
					return fmt.Errorf("recalculate %s: %w", name, err)
				}
				if !result.Applied {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: skipped (group)\n", name)
					continue
				}
				if ms, ok := rt.Metrics.Store(name); ok {
					if err := ms.Flush(ctx); err != nil {
						return fmt.Errorf("persist metrics of %s: %w", name, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d blobs, %s (scanned %d, excluded %d, skipped %d) in %s\n",
					name, result.Counted, humanize.Bytes(uint64(result.TotalSize)),
					result.Scanned, result.Excluded, result.Skipped, result.Duration)
			}
			return nil
		},
	}
}

func NewQuotaCommand(a *app) *cobra.Command {
	var failOnViolation bool

	cmd := &cobra.Command{
		Use:   "quota [store]",
		Short: "Check soft quotas",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			violations, err := printQuotas(cmd.OutOrStdout(), rt, args)
			if err != nil {
				return err
			}
			if failOnViolation && violations > 0 {
				return fmt.Errorf("%d quota violation(s)", violations)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnViolation, "fail", false, "exit non-zero when a quota is violated")
	return cmd
}

func printQuotas(out io.Writer, rt *config.Runtime, args []string) (int, error) {
	targets := rt.QuotaTargets()
	if len(args) == 1 {
		target, ok := quotaTarget(rt, args[0])
		if !ok {
			return 0, fmt.Errorf("store '%s' not configured", args[0])
		}
		targets = []quota.Target{target}
	}

	violations := 0
	for _, target := range targets {
		result, err := rt.Quota.CheckQuota(target)
		if err != nil {
			return violations, fmt.Errorf("check quota of %s: %w", target.Name(), err)
		}
		switch {
		case result == nil:
			fmt.Fprintf(out, "%s: no quota\n", target.Name())
		case result.IsViolation:
			violations++
			fmt.Fprintf(out, "%s: VIOLATION %s\n", target.Name(), result.Message)
		default:
			fmt.Fprintf(out, "%s: ok\n", target.Name())
		}
	}
	return violations, nil
}

func NewCompactCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compact [store...]",
		Short: "Remove soft-deleted blobs that are no longer referenced",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			names := args
			if len(names) == 0 {
				for _, sc := range rt.Config.Stores {
					names = append(names, sc.Name)
				}
			}
			for _, name := range names {
				store, ok := rt.Stores[name]
				if !ok {
					return fmt.Errorf("store '%s' not configured", name)
				}
				result, err := compactStore(ctx, store, rt.Usage)
				if err != nil {
					return fmt.Errorf("compact %s: %w", name, err)
				}
				if ms, ok := rt.Metrics.Store(name); ok {
					if err := ms.Flush(ctx); err != nil {
						return fmt.Errorf("persist metrics of %s: %w", name, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d, retained %d, orphans removed %d\n",
					name, result.Deleted, result.Retained, result.OrphansRemoved)
			}
			return nil
		},
	}
}
