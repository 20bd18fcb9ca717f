package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"funnelbot/internal/campaign"
	"funnelbot/internal/config"
)

var (
	planAt  string
	planNow string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the production schedule without starting anything",
	RunE:  runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planAt, "at", "", "event time to plan for (YYYY-MM-DD HH:MM), default campaign.event_at")
	planCmd.Flags().StringVar(&planNow, "now", "", "pretend the current time is this (YYYY-MM-DD HH:MM)")
}

func runPlan(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	settings, err := campaign.SettingsFromConfig(cfg)
	if err != nil {
		return err
	}
	anchor := settings.EventAt
	if planAt != "" {
		if anchor, err = config.ParseEventTime(planAt, settings.Location); err != nil {
			return err
		}
	}
	if anchor.IsZero() {
		return fmt.Errorf("no event time: set campaign.event_at or pass --at")
	}
	now := time.Now()
	if planNow != "" {
		if now, err = config.ParseEventTime(planNow, settings.Location); err != nil {
			return err
		}
	}
	printPlan(cmd.OutOrStdout(), now, anchor, settings)
	return nil
}

func printPlan(w io.Writer, now, anchor time.Time, s *campaign.Settings) {
	const layout = "2006-01-02 15:04 MST"
	steps := campaign.PlanSteps(anchor.In(s.Location), s.Timeline)
	upcoming, past := campaign.Preview(now, steps)

	fmt.Fprintf(w, "event:  %s\n", anchor.In(s.Location).Format(layout))
	fmt.Fprintf(w, "phase:  %s\n\n", campaign.PhaseAt(now, anchor, s.Timeline).Phase)
	for _, st := range upcoming {
		fmt.Fprintf(w, "  %s  %-16s %s\n", st.At.Format(layout), st.Name, st.Action)
	}
	for _, st := range past {
		fmt.Fprintf(w, "  %s  %-16s %s  (past, skipped)\n", st.At.Format(layout), st.Name, st.Action)
	}
	if s.Digest != nil {
		fmt.Fprintf(w, "\n  weekly digest: %s\n", s.Digest)
	}
}
