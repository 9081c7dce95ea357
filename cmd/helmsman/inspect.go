package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sandboxed-sh/helmsman/internal/events"
	"github.com/sandboxed-sh/helmsman/internal/mission"
	"github.com/sandboxed-sh/helmsman/internal/tui"
	"github.com/spf13/cobra"
)

func newStatusCommand(eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "status [mission-id]",
		Short: "Show mission status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				snap, err := lookupSnapshot(eng, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(cmd.OutOrStdout(), snap)
			}
			snapshots, err := eng.store.List()
			if err != nil {
				return err
			}
			return printSnapshotTable(cmd.OutOrStdout(), snapshots)
		},
	}
}

func newCancelCommand(eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <mission-id>",
		Short: "Cancel a running mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			missionID := args[0]

			state, err := eng.missions.Cancel(cmd.Context(), missionID)
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "mission %s %s\n", missionID, state)
				return nil
			}
			if !errors.Is(err, mission.ErrUnknownMission) {
				return err
			}

			snap, storeErr := eng.store.LoadSnapshot(missionID)
			if storeErr != nil {
				return fmt.Errorf("mission %s: %w", missionID, mission.ErrUnknownMission)
			}
			if snap.State.Terminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "mission %s already %s\n", missionID, snap.State)
				return nil
			}
			return fmt.Errorf(
				"mission %s is managed by another process; interrupt its `helmsman run` to cancel it",
				missionID,
			)
		},
	}
}

func newEventsCommand(eng *engine) *cobra.Command {
	var fromSeq uint64

	cmd := &cobra.Command{
		Use:   "events <mission-id>",
		Short: "Print a mission's canonical event stream as NDJSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			missionID := args[0]
			if fromSeq == 0 {
				fromSeq = 1
			}

			stream, err := eng.missions.Events(missionID, fromSeq)
			if errors.Is(err, mission.ErrUnknownMission) {
				stream, err = eng.store.LoadEvents(missionID, fromSeq)
			}
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			for _, event := range stream {
				if err := encoder.Encode(event); err != nil {
					return fmt.Errorf("write event %d: %w", event.Sequence, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().Uint64Var(&fromSeq, "from", 1, "replay from this sequence number")
	return cmd
}

func newWatchCommand(eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <mission-id>",
		Short: "Follow a mission's event stream in an interactive viewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			missionID := args[0]

			stream, err := missionStream(eng, missionID)
			if err != nil {
				return err
			}

			program := tea.NewProgram(
				tui.NewWatch(missionID, stream),
				tea.WithContext(cmd.Context()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return fmt.Errorf("viewer: %w", err)
			}
			return nil
		},
	}
}

func lookupSnapshot(eng *engine, missionID string) (mission.Snapshot, error) {
	snap, err := eng.missions.Status(missionID)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, mission.ErrUnknownMission) {
		return mission.Snapshot{}, err
	}
	return eng.store.LoadSnapshot(missionID)
}

// missionStream subscribes to a live mission when this process owns it and
// otherwise replays the recorded stream.
func missionStream(eng *engine, missionID string) (tui.EventStream, error) {
	if sub, err := eng.missions.Subscribe(missionID, 1); err == nil {
		return sub, nil
	} else if !errors.Is(err, mission.ErrUnknownMission) {
		return nil, err
	}
	recorded, err := eng.store.LoadEvents(missionID, 1)
	if err != nil {
		return nil, err
	}
	return newReplayStream(recorded), nil
}

func printSnapshot(out io.Writer, snap mission.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot for mission %s: %w", snap.ID, err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func printSnapshotTable(out io.Writer, snapshots []mission.Snapshot) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "MISSION\tSTATE\tBACKEND\tWORKSPACE\tEVENTS\tCREATED")
	for _, snap := range snapshots {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\n",
			snap.ID,
			snap.State,
			snap.Backend,
			snap.WorkspaceID,
			snap.LastSequence,
			snap.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return writer.Flush()
}

// replayStream feeds recorded events through the EventStream contract so the
// viewer can render finished missions.
type replayStream struct {
	ch        chan events.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newReplayStream(recorded []events.Event) *replayStream {
	s := &replayStream{
		ch:   make(chan events.Event),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.ch)
		for _, event := range recorded {
			select {
			case s.ch <- event:
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *replayStream) Events() <-chan events.Event { return s.ch }

func (s *replayStream) Err() error { return nil }

func (s *replayStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

var _ tui.EventStream = (*replayStream)(nil)
