package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/sandboxed-sh/helmsman/internal/config"
	"github.com/sandboxed-sh/helmsman/internal/mission"
	"github.com/sandboxed-sh/helmsman/internal/tui"
	"github.com/spf13/cobra"
)

// waitSlack bounds how long the CLI waits for a mission to settle after its
// event stream closes or a cancellation was requested.
const waitSlack = 5 * time.Second

func newRunCommand(cfg *config.Config, logger *log.Logger, eng *engine) *cobra.Command {
	var (
		workspaceID string
		backend     string
		model       string
		agent       string
		sessionID   string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "run --workspace <id> [flags] PROMPT...",
		Short: "Submit a mission and stream its canonical events",
		Long: "Submits a mission against a declared workspace and streams the canonical\n" +
			"event sequence as NDJSON, one {sequence, timestamp, type, payload} object\n" +
			"per line. Interrupting the stream cancels the mission. With --watch the\n" +
			"stream renders in an interactive viewer instead.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if eng.installer.AtBuild() {
				if err := eng.installer.EnsureAll(ctx); err != nil {
					return fmt.Errorf("bootstrap harnesses: %w", err)
				}
			}

			req := mission.SubmitRequest{
				WorkspaceID: workspaceID,
				Backend:     backend,
				Agent:       agent,
				Model:       model,
				Prompt:      strings.Join(args, " "),
				SessionID:   sessionID,
			}
			if req.Model == "" {
				req.Model = cfg.DefaultModel
			}

			missionID, err := eng.missions.Start(ctx, req)
			if err != nil {
				return err
			}
			logger.With("mission_id", missionID).Info("mission submitted")
			recordMission(eng, missionID)

			sub, err := eng.missions.Subscribe(missionID, 1)
			if err != nil {
				return err
			}

			if watch {
				err = followWithViewer(ctx, eng, missionID, sub, cmd)
			} else {
				err = streamNDJSON(ctx, eng, missionID, sub, cmd)
			}
			if err != nil {
				return err
			}

			snap, err := settle(eng, missionID, cfg.GracePeriod)
			if err != nil {
				return err
			}
			recordMission(eng, missionID)
			fmt.Fprintf(cmd.ErrOrStderr(), "mission %s %s%s\n", snap.ID, snap.State, resultSuffix(snap))

			if snap.State == mission.StateFailed {
				return fmt.Errorf("mission %s failed: %s", snap.ID, snap.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "workspace to execute in (required)")
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "harness backend id (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model override passed to the harness")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent profile passed to the harness")
	cmd.Flags().StringVar(&sessionID, "session", "", "harness session id (default: mission id)")
	cmd.Flags().BoolVar(&watch, "watch", false, "render the stream in the interactive viewer")
	_ = cmd.MarkFlagRequired("workspace")

	return cmd
}

// streamNDJSON copies the subscription to stdout in wire form. A context
// cancellation requests mission cancellation and keeps draining so the
// Terminal event still reaches the output.
func streamNDJSON(ctx context.Context, eng *engine, missionID string, sub tui.EventStream, cmd *cobra.Command) error {
	defer sub.Close()

	encoder := json.NewEncoder(cmd.OutOrStdout())
	interrupt := ctx.Done()
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return fmt.Errorf("event stream dropped: %w", err)
				}
				return nil
			}
			if err := encoder.Encode(event); err != nil {
				return fmt.Errorf("write event %d: %w", event.Sequence, err)
			}
		case <-interrupt:
			interrupt = nil
			if _, err := eng.missions.Cancel(context.Background(), missionID); err != nil {
				return fmt.Errorf("cancel mission %s: %w", missionID, err)
			}
		}
	}
}

func followWithViewer(ctx context.Context, eng *engine, missionID string, sub tui.EventStream, cmd *cobra.Command) error {
	program := tea.NewProgram(
		tui.NewWatch(missionID, sub),
		tea.WithContext(ctx),
		tea.WithOutput(cmd.OutOrStdout()),
	)
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("viewer: %w", err)
	}
	if snap, err := eng.missions.Status(missionID); err == nil && !snap.State.Terminal() {
		if _, err := eng.missions.Cancel(context.Background(), missionID); err != nil {
			return fmt.Errorf("cancel mission %s: %w", missionID, err)
		}
	}
	return nil
}

// settle waits for the mission to reach a terminal state. The stream closing
// precedes the final transition by a hair, so the wait is detached from the
// (possibly interrupted) command context and bounded instead.
func settle(eng *engine, missionID string, grace time.Duration) (mission.Snapshot, error) {
	waitCtx, cancel := context.WithTimeout(context.Background(), grace+waitSlack)
	defer cancel()
	snap, err := eng.missions.Wait(waitCtx, missionID)
	if err != nil {
		return mission.Snapshot{}, fmt.Errorf("await mission %s: %w", missionID, err)
	}
	return snap, nil
}

// recordMission persists the mission's current snapshot and stream. Failures
// are logged by the store consumers; inspection records never fail a run.
func recordMission(eng *engine, missionID string) {
	snap, err := eng.missions.Status(missionID)
	if err != nil {
		return
	}
	_ = eng.store.SaveSnapshot(snap)
	if stream, err := eng.missions.Events(missionID, 1); err == nil && len(stream) > 0 {
		_ = eng.store.SaveEvents(missionID, stream)
	}
}

func resultSuffix(snap mission.Snapshot) string {
	if snap.State != mission.StateCompleted {
		return ""
	}
	parts := make([]string, 0, 2)
	if snap.CostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", snap.CostUSD))
	}
	if snap.NumTurns > 0 {
		parts = append(parts, fmt.Sprintf("%d turns", snap.NumTurns))
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
