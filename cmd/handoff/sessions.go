package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/handoff/internal/models"
	"github.com/mpataki/handoff/internal/storage"
)

func newSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved sessions",
	}

	cmd.AddCommand(newSessionsListCommand())
	cmd.AddCommand(newSessionsShowCommand())
	cmd.AddCommand(newSessionsDeleteCommand())
	cmd.AddCommand(newSessionsReplayCommand())
	cmd.AddCommand(newSessionsFindCommand())
	return cmd
}

func newSessionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			sessions, err := e.orch.ListSessions()
			if err != nil {
				return err
			}

			if len(sessions) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			for i := len(sessions) - 1; i >= 0; i-- {
				sess := sessions[i]
				fmt.Printf("%s %-8s [%s] %s\n",
					sess.ID, storage.FormatTimeAgo(sess.Timestamp), outcome(sess),
					truncate(strings.ReplaceAll(sess.Prompt, "\n", " "), 50))
			}
			return nil
		},
	}
}

func newSessionsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asYAML, _ := cmd.Flags().GetBool("yaml")

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			sess, err := e.orch.GetSession(args[0])
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			if asYAML {
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(sess)
			}
			printSession(os.Stdout, sess)
			return nil
		},
	}

	cmd.Flags().Bool("yaml", false, "Print the full session as YAML")
	return cmd
}

func newSessionsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.orch.DeleteSession(args[0]); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}

			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		},
	}
}

func newSessionsReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Play a saved session back without contacting any agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			return replaySession(cmd.Context(), e, args[0])
		},
	}
}

func newSessionsFindCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <prompt>",
		Short: "Find the newest session whose prompt matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			replay, _ := cmd.Flags().GetBool("replay")

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			sess, err := e.orch.FindSession(args[0])
			if err != nil {
				return err
			}

			if !replay {
				printSession(os.Stdout, sess)
				return nil
			}
			return replaySession(cmd.Context(), e, sess.ID)
		},
	}

	cmd.Flags().Bool("replay", false, "Replay the match instead of printing it")
	return cmd
}

func replaySession(ctx context.Context, e *env, id string) error {
	prog := newProgress(os.Stdout)
	e.orch.SetObserver(prog.update)
	defer e.orch.SetObserver(nil)

	sess, err := e.orch.Replay(ctx, id)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	fmt.Printf("\nReplayed session %s (%d artifacts)\n", sess.ID, len(sess.Artifacts))
	return nil
}

func outcome(sess *models.Session) string {
	for _, stage := range models.Stages {
		if sess.FinalStages[stage] == models.StageFailed {
			return "failed"
		}
	}
	if sess.FinalStages[models.StageResearch] == models.StageSkipped {
		return "direct"
	}
	return "research"
}

func printSession(w io.Writer, sess *models.Session) {
	fmt.Fprintf(w, "Session %s\n", sess.ID)
	fmt.Fprintf(w, "Created: %s (%s)\n", sess.Timestamp.Local().Format("2006-01-02 15:04:05"), storage.FormatTimeAgo(sess.Timestamp))
	if sess.ContextID != "" {
		fmt.Fprintf(w, "Context: %s\n", sess.ContextID)
	}
	fmt.Fprintf(w, "Prompt: %s\n", sess.Prompt)

	fmt.Fprintln(w, "\nStages:")
	for _, stage := range models.Stages {
		fmt.Fprintf(w, "  %-13s %s\n", stage.Label(), sess.FinalStages[stage])
	}

	if len(sess.Artifacts) > 0 {
		fmt.Fprintln(w, "\nArtifacts:")
		for _, art := range sess.Artifacts {
			detail := art.URL
			switch art.Kind {
			case models.ArtifactRouteDecision:
				detail = art.Route
			case models.ArtifactStageError:
				detail = art.Message
			}
			fmt.Fprintf(w, "  [%s] %s %s\n", art.Stage, art.Title(), detail)
		}
	}

	fmt.Fprintln(w, "\nLog:")
	for i := len(sess.Log) - 1; i >= 0; i-- {
		entry := sess.Log[i]
		fmt.Fprintf(w, "  %s %s", entry.Time.Local().Format("15:04:05"), entry.Title)
		if entry.Description != "" {
			fmt.Fprintf(w, ": %s", truncate(entry.Description, 100))
		}
		fmt.Fprintln(w)
	}
}
