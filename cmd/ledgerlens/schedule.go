package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerlens/ledgerlens/pkg/models"
	"github.com/ledgerlens/ledgerlens/pkg/schedule"
)

func newScheduleCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage recurring analyses",
	}

	openStore := func() (*schedule.Store, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		return schedule.NewStore(cfg.DBPath)
	}

	var (
		subject  string
		task     string
		every    string
		cronExpr string
		model    string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a recurring analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			freq := models.Frequency(every)
			if cronExpr != "" {
				freq = models.FrequencyCron
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			s, err := store.Create(context.Background(), models.Schedule{
				SubjectID: subject,
				Task:      models.TaskType(task),
				Frequency: freq,
				CronExpr:  cronExpr,
				Model:     models.ModelChoice(model),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %s for %s (%s), first run %s\n",
				s.Task, s.SubjectID, s.ID, s.NextRunAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	addCmd.Flags().StringVarP(&subject, "subject", "s", "", "subject to analyze")
	addCmd.Flags().StringVar(&task, "task", string(models.TaskReport),
		fmt.Sprintf("task to run (%s or %s)", models.TaskReport, models.TaskMonthly))
	addCmd.Flags().StringVar(&every, "every", string(models.FrequencyDaily), "daily, weekly or monthly")
	addCmd.Flags().StringVar(&cronExpr, "cron", "", "standard five-field cron expression (overrides --every)")
	addCmd.Flags().StringVarP(&model, "model", "m", "auto", "model choice: auto, cloud, local, hybrid")
	_ = addCmd.MarkFlagRequired("subject")

	var listSubject string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			list, err := store.List(context.Background(), listSubject)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No schedules.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSUBJECT\tTASK\tEVERY\tMODEL\tACTIVE\tNEXT RUN\tLAST STATUS")
			for _, s := range list {
				every := string(s.Frequency)
				if s.Frequency == models.FrequencyCron {
					every = s.CronExpr
				}
				status := string(s.LastStatus)
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					s.ID, s.SubjectID, s.Task, every, s.Model, s.Active,
					s.NextRunAt.Local().Format("2006-01-02 15:04"), status)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVarP(&listSubject, "subject", "s", "", "only list this subject's schedules")

	var removeSubject string
	removeCmd := &cobra.Command{
		Use:   "remove ID",
		Short: "Stop a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Deactivate(context.Background(), args[0], removeSubject); err != nil {
				return err
			}
			fmt.Printf("Schedule %s deactivated.\n", args[0])
			return nil
		},
	}
	removeCmd.Flags().StringVarP(&removeSubject, "subject", "s", "", "require the schedule to belong to this subject")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every due schedule once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := schedule.NewRunner(a.schedules, a.orch, a.cfg.Schedule.PollInterval, a.log).RunDue(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Ran %d due schedules.\n", n)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(addCmd, listCmd, removeCmd, runCmd)
	return cmd
}
