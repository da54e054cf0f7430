package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		kind       string
		daysBack   int
		model      string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run a pattern analysis or monthly report for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			choice, err := models.ParseModelChoice(model)
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if daysBack == 0 {
				daysBack = a.cfg.Analysis.DefaultDaysBack
			}
			req := models.AnalysisRequest{
				SubjectID: subject,
				Type:      models.AnalysisType(kind),
				DaysBack:  daysBack,
				Model:     choice,
			}
			analyze := a.orch.Analyze
			if force {
				analyze = a.orch.Refresh
			}
			out, err := analyze(ctx, req)
			if err != nil {
				return err
			}

			source := "computed"
			if out.Cached {
				source = "cached"
			}
			fmt.Fprintf(os.Stderr, "%s analysis by %s (%s)\n", out.Result.Type, out.Result.Provider, source)

			var pretty bytes.Buffer
			if err := json.Indent(&pretty, out.Result.Payload, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(out.Result.Payload)
			}
			fmt.Println(pretty.String())
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject whose transactions are analyzed")
	cmd.Flags().StringVarP(&kind, "type", "t", string(models.AnalysisPattern), "analysis type: pattern or report")
	cmd.Flags().IntVarP(&daysBack, "days", "d", 0, "look-back window in days (defaults to analysis.default_days_back)")
	cmd.Flags().StringVarP(&model, "model", "m", "auto", "model: auto, cloud, local or hybrid")
	cmd.Flags().BoolVar(&force, "force", false, "recompute even when a cached result exists")
	return cmd
}

func newPerfCmd() *cobra.Command {
	var (
		configPath string
		reset      bool
	)

	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Show provider performance counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if reset {
				if err := a.resetStats(ctx); err != nil {
					return err
				}
				fmt.Println("Performance counters reset.")
				return nil
			}

			snap := a.orch.Performance()
			fmt.Printf("Analyses: %d  Success rate: %.1f%%  Cache size: %d\n\n",
				snap.TotalAnalyses, snap.SuccessRate*100, snap.CacheSize)
			if len(snap.PerProvider) == 0 {
				fmt.Println("No provider invocations recorded.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tINVOCATIONS\tSUCCESSES\tERRORS")
			for _, r := range snap.PerProvider {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", r.Provider, r.Invocations, r.Successes, r.Errors)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&reset, "reset", false, "zero all provider counters")
	return cmd
}

func newProvidersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
	}

	var model string
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Invoke each provider behind a model choice with synthetic transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			choice, err := models.ParseModelChoice(model)
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.orch.TestModel(ctx, choice)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATUS\tLATENCY\tERROR")
			for _, c := range report.Checks {
				status := "fail"
				if c.OK {
					status = "ok"
				}
				fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", c.Provider, status, c.LatencyMs, c.Error)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if !report.OK {
				return fmt.Errorf("no provider for model %s succeeded", report.Model)
			}
			return nil
		},
	}
	testCmd.Flags().StringVarP(&model, "model", "m", "auto", "model: auto, cloud, local or hybrid")

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(testCmd)
	return cmd
}
