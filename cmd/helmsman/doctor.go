package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/sandboxed-sh/helmsman/internal/doctor"
	"github.com/sandboxed-sh/helmsman/internal/harness"
	"github.com/spf13/cobra"
)

func newDoctorCommand(logger *log.Logger, eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check harness binaries, container tooling and log directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := doctor.NewManager(eng.missions, harness.NewProber(), logger, doctor.Config{})
			if err != nil {
				return fmt.Errorf("doctor: %w", err)
			}
			report, err := manager.RunOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("doctor: %w", err)
			}
			printHealthReport(cmd.OutOrStdout(), report)
			if !report.Healthy() {
				return errors.New("environment checks failed")
			}
			return nil
		},
	}
}

func printHealthReport(out io.Writer, report doctor.HealthReport) {
	for _, check := range report.Checks {
		mark := "ok"
		if !check.OK {
			mark = "FAIL"
		}
		line := fmt.Sprintf("[%s] %s", mark, check.Name)
		if check.Detail != "" {
			line += ": " + check.Detail
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintf(out, "running missions: %d, stalled: %d\n", report.RunningMissions, report.StalledMissions)
}
