package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mpataki/handoff/internal/approval"
	"github.com/mpataki/handoff/internal/models"
	"github.com/mpataki/handoff/internal/orchestrator"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run the pipeline for one prompt without the dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			autoApprove, _ := cmd.Flags().GetBool("auto-approve")

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			prog := newProgress(os.Stdout)
			ap := &approver{in: bufio.NewReader(os.Stdin), out: os.Stdout, auto: autoApprove}
			requests := make(chan string, 1)

			e.orch.SetObserver(func(run models.Run) {
				prog.update(run)
				if run.Approval != nil && run.Approval.Status == models.ApprovalPending {
					select {
					case requests <- run.Approval.Content:
					default:
					}
				}
			})
			defer e.orch.SetObserver(nil)

			go handleApprovals(ctx, e.orch, ap, requests)

			sess, err := e.orch.StartRun(ctx, args[0])
			if err != nil {
				var rejected *approval.RejectedError
				if errors.As(err, &rejected) {
					fmt.Println("Run stopped: presentation was rejected")
				}
				return fmt.Errorf("run failed: %w", err)
			}

			fmt.Printf("\nSaved session %s\n", sess.ID)
			for _, art := range sess.Artifacts {
				if art.Kind == models.ArtifactGammaDeck {
					fmt.Printf("Presentation: %s\n", art.URL)
				}
			}
			return nil
		},
	}

	cmd.Flags().Bool("auto-approve", false, "Approve the reviewed content without prompting")
	return cmd
}

// handleApprovals answers approval requests off the observer goroutine.
func handleApprovals(ctx context.Context, orch *orchestrator.Orchestrator, ap *approver, requests <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case content := <-requests:
			if orch.PendingApproval() == nil {
				continue
			}
			v, err := ap.decide(content)
			if err != nil {
				v = verdict{reason: err.Error()}
			}
			if v.approve {
				err = orch.Approve(v.content)
			} else {
				err = orch.Reject(v.reason)
			}
			if err != nil && !errors.Is(err, approval.ErrNoPendingApproval) {
				fmt.Fprintf(ap.out, "approval: %v\n", err)
			}
		}
	}
}

type verdict struct {
	approve bool
	// content replaces the reviewed content when non-empty.
	content string
	reason  string
}

// approver asks for an approval decision on a terminal.
type approver struct {
	in   *bufio.Reader
	out  io.Writer
	auto bool
}

func (a *approver) decide(content string) (verdict, error) {
	if a.auto {
		fmt.Fprintln(a.out, "Auto-approving reviewed content")
		return verdict{approve: true}, nil
	}

	fmt.Fprintf(a.out, "\n--- Reviewed content ---\n%s\n------------------------\n", content)
	for {
		fmt.Fprint(a.out, "Approve? [y]es / [e]dit / [n]o: ")
		answer, err := a.readLine()
		if err != nil {
			return verdict{}, err
		}

		switch strings.ToLower(answer) {
		case "y", "yes":
			return verdict{approve: true}, nil
		case "e", "edit":
			fmt.Fprintln(a.out, "Enter the new content, end with a line containing only '.'")
			edited, err := a.readBlock()
			if err != nil {
				return verdict{}, err
			}
			if strings.TrimSpace(edited) == "" {
				fmt.Fprintln(a.out, "Edited content is empty, nothing approved")
				continue
			}
			return verdict{approve: true, content: edited}, nil
		case "n", "no":
			fmt.Fprint(a.out, "Reason: ")
			reason, err := a.readLine()
			if err != nil {
				return verdict{}, err
			}
			return verdict{reason: reason}, nil
		}
	}
}

func (a *approver) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (a *approver) readBlock() (string, error) {
	var lines []string
	for {
		line, err := a.in.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if trimmed != "" || err == nil {
			lines = append(lines, trimmed)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read content: %w", err)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// progress prints stage changes and new log entries as snapshots arrive.
type progress struct {
	mu     sync.Mutex
	out    io.Writer
	stages map[models.StageName]models.StageState
	seen   int
}

func newProgress(out io.Writer) *progress {
	return &progress{out: out, stages: models.NewStageMap()}
}

func (p *progress) update(run models.Run) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, stage := range models.Stages {
		state, ok := run.Stages[stage]
		if !ok || state == p.stages[stage] {
			continue
		}
		p.stages[stage] = state
		fmt.Fprintf(p.out, "[%s] %s\n", stage.Label(), state)
	}

	// The log is newest first.
	if n := len(run.Log) - p.seen; n > 0 {
		for i := n - 1; i >= 0; i-- {
			entry := run.Log[i]
			line := "  " + entry.Time.Local().Format("15:04:05") + " " + entry.Title
			if entry.Description != "" {
				line += ": " + truncate(entry.Description, 100)
			}
			fmt.Fprintln(p.out, line)
		}
	}
	p.seen = len(run.Log)
}
