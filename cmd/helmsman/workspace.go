package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/sandboxed-sh/helmsman/internal/config"
	"github.com/spf13/cobra"
)

func newWorkspaceCommand(cfg *config.Config, eng *engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage declared workspaces",
	}
	cmd.AddCommand(
		newWorkspaceProvisionCommand(eng),
		newWorkspaceTeardownCommand(eng),
		newWorkspaceStatusCommand(cfg, eng),
	)
	return cmd
}

func newWorkspaceProvisionCommand(eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <workspace-id>",
		Short: "Bring a workspace to the ready state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID := args[0]
			if err := eng.workspaces.EnsureReady(cmd.Context(), workspaceID); err != nil {
				return fmt.Errorf("provision workspace %s: %w", workspaceID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workspace %s ready\n", workspaceID)
			return nil
		},
	}
}

func newWorkspaceTeardownCommand(eng *engine) *cobra.Command {
	var skipConfirm bool

	cmd := &cobra.Command{
		Use:   "teardown <workspace-id>",
		Short: "Stop a workspace's container machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspaceID := args[0]

			if !skipConfirm {
				confirmed, err := confirmTeardown(workspaceID)
				if err != nil {
					return fmt.Errorf("confirm teardown: %w", err)
				}
				if !confirmed {
					fmt.Fprintln(cmd.OutOrStdout(), "teardown aborted")
					return nil
				}
			}

			if err := eng.workspaces.Teardown(cmd.Context(), workspaceID); err != nil {
				return fmt.Errorf("teardown workspace %s: %w", workspaceID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workspace %s torn down\n", workspaceID)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func confirmTeardown(workspaceID string) (bool, error) {
	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Tear down workspace %q?", workspaceID)).
			Description("Running missions in this workspace will lose their machine.").
			Affirmative("Tear down").
			Negative("Keep").
			Value(&confirmed),
	)).WithShowHelp(false)
	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

func newWorkspaceStatusCommand(cfg *config.Config, eng *engine) *cobra.Command {
	return &cobra.Command{
		Use:   "status [workspace-id]",
		Short: "Show declared workspace states",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]string, 0, len(cfg.Workspaces))
			if len(args) == 1 {
				ids = append(ids, args[0])
			} else {
				for id := range cfg.Workspaces {
					ids = append(ids, id)
				}
				sort.Strings(ids)
			}
			return printWorkspaceTable(cmd.OutOrStdout(), eng, ids)
		},
	}
}

func printWorkspaceTable(out io.Writer, eng *engine, ids []string) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "WORKSPACE\tKIND\tSTATE\tROOT")
	for _, id := range ids {
		ws, err := eng.workspaces.Get(id)
		if err != nil {
			return fmt.Errorf("workspace %s: %w", id, err)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", ws.ID, ws.Kind, ws.State, ws.Root)
	}
	return writer.Flush()
}
