package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show a project's environments and recent deployments",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	slug := args[0]

	var p project
	if err := apiGet("/api/projects/"+slug, &p); err != nil {
		fail(err.Error())
		return nil
	}

	// ── Project ─────────────────────────────────────────────────
	header("Project")
	line := fmt.Sprintf("%s  (%s)  %s", p.Slug, p.RepoRef, p.Status)
	switch p.Status {
	case "active":
		success(line)
	case "paused":
		warn(line)
	default:
		fail(line)
	}

	// ── Environments ────────────────────────────────────────────
	header("Environments")
	for _, env := range p.Environments {
		if env.Status == "deleted" {
			continue
		}
		fmt.Printf("    %-14s branch=%-20s %s\n", env.Slug, env.Branch, dimText(env.ID))
	}

	// ── Deployments ─────────────────────────────────────────────
	header("Recent Deployments")
	var deployments []deployment
	if err := apiGet("/api/projects/"+p.ID+"/deployments", &deployments); err != nil {
		warn(err.Error())
		return nil
	}
	if len(deployments) == 0 {
		fmt.Printf("    %sNone — run:%s ember deploy %s -b <branch>\n", colorDim, colorReset, slug)
		return nil
	}
	for _, d := range deployments {
		state := d.Status
		if d.Conclusion != "" {
			state = d.Conclusion
		}
		fmt.Printf("    %s%-10s%s %-8s %-16s %s  %s\n",
			statusColor(state), state, colorReset,
			shortSHA(d.CommitSHA), d.Branch, d.ID, dimText(age(d.CreatedAt)))
	}
	return nil
}
