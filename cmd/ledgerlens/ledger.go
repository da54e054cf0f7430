package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ledgerlens/ledgerlens/pkg/ledger"
	"github.com/ledgerlens/ledgerlens/pkg/models"
)

func newLedgerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage the transactions analyses are computed from",
	}

	var (
		subject  string
		amount   string
		kind     string
		merchant string
		category string
		memo     string
		date     string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Record a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}
			posted := time.Now().UTC()
			if date != "" {
				posted, err = time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date (use YYYY-MM-DD): %w", err)
				}
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			src, err := ledger.NewSQLiteSource(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			id, err := src.Add(context.Background(), models.Transaction{
				SubjectID: subject,
				Amount:    amt,
				Kind:      kind,
				Merchant:  merchant,
				Category:  category,
				Memo:      memo,
				PostedAt:  posted,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Recorded transaction %d for %s: %s %s\n", id, subject, amt.StringFixed(2), category)
			return nil
		},
	}
	addCmd.Flags().StringVarP(&subject, "subject", "s", "", "subject the transaction belongs to")
	addCmd.Flags().StringVarP(&amount, "amount", "a", "", "amount, e.g. 15000 or 12.50")
	addCmd.Flags().StringVar(&kind, "kind", "expense", "expense or income")
	addCmd.Flags().StringVar(&merchant, "merchant", "", "merchant name")
	addCmd.Flags().StringVar(&category, "category", "", "spending category (empty is reported as "+ledger.UncategorizedLabel+")")
	addCmd.Flags().StringVar(&memo, "memo", "", "free-form note")
	addCmd.Flags().StringVar(&date, "date", "", "posting date (YYYY-MM-DD, defaults to now)")
	_ = addCmd.MarkFlagRequired("amount")

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(addCmd)
	return cmd
}
