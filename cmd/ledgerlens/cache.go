package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the analysis result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.orch.CacheStats()
			persisted, err := a.cacheStore.Count(ctx)
			if err != nil {
				return err
			}
			stale := "never"
			if d := a.cfg.Cache.StaleAfter; d > 0 {
				stale = d.String()
			}
			fmt.Printf("Entries:     %d / %d\nPersisted:   %d\nStale after: %s\n",
				stats.Entries, stats.Capacity, persisted, stale)
			return nil
		},
	}

	var subject string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cached analyses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.clearCache(ctx, subject)
			if err != nil {
				return err
			}
			if subject == "" {
				fmt.Printf("Cleared %d cached analyses.\n", n)
			} else {
				fmt.Printf("Cleared %d cached analyses for %s.\n", n, subject)
			}
			return nil
		},
	}
	clearCmd.Flags().StringVarP(&subject, "subject", "s", "", "only clear this subject's entries")

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

