package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerlens/ledgerlens/pkg/audit"
	"github.com/ledgerlens/ledgerlens/pkg/models"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and manage the analysis log",
	}

	cmd.AddCommand(
		newLogsSearchCmd(),
		newLogsStatsCmd(),
		newLogsCleanupCmd(),
	)
	return cmd
}

func newLogsSearchCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		provider   string
		status     string
		since      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search analysis log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAnalysisLog(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				SubjectID: subject,
				Provider:  models.ProviderID(provider),
				Status:    models.AnalysisStatus(status),
				Limit:     limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No analysis log entries found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSUBJECT\tTYPE\tDAYS\tMODEL\tPROVIDER\tSTATUS\tATTEMPTS\tLATENCY\tERROR")
			for _, e := range entries {
				used := string(e.Provider)
				if used == "" {
					used = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%d\t%dms\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.SubjectID, e.AnalysisType, e.DaysBack,
					e.RequestedModel, used, e.Status, e.Attempts, e.LatencyMs, e.ErrorMessage)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "filter by subject")
	cmd.Flags().StringVar(&provider, "provider", "", "filter by provider used (cloud, local)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (success, error)")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newLogsStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show analysis counts by provider, day and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAnalysisLog(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No analysis log stats found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tPROVIDER\tSTATUS\tCOUNT")
			for _, s := range stats {
				used := string(s.Provider)
				if used == "" {
					used = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.Day, used, s.Status, s.Count)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLogsCleanupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete analysis log entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAnalysisLog(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d analysis log entries.\n", deleted)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func openAnalysisLog(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	l, err := audit.New(auditConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = l.Close() }, nil
}
