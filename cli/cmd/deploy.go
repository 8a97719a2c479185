package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deployBranch string

var deployCmd = &cobra.Command{
	Use:   "deploy <project>",
	Short: "Trigger a deployment of a branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <project> <deployment>",
	Short: "Abort a queued or running deployment",
	Args:  cobra.ExactArgs(2),
	RunE:  runCancel,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <project> [environment]",
	Short: "Swap an environment's alias back to the previous deployment",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRollback,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <project>",
	Short: "Pause a project; pushes conclude skipped until resumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiSend("POST", "/api/projects/"+args[0]+"/pause", nil, nil); err != nil {
			fail(err.Error())
			return nil
		}
		success(fmt.Sprintf("Project %q paused", args[0]))
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <project>",
	Short: "Resume a paused project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiSend("POST", "/api/projects/"+args[0]+"/resume", nil, nil); err != nil {
			fail(err.Error())
			return nil
		}
		success(fmt.Sprintf("Project %q resumed", args[0]))
		return nil
	},
}

func init() {
	deployCmd.Flags().StringVarP(&deployBranch, "branch", "b", "main", "branch to deploy")
	rootCmd.AddCommand(deployCmd, cancelCmd, rollbackCmd, pauseCmd, resumeCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	var d deployment
	err := apiSend("POST", "/api/projects/"+args[0]+"/deployments",
		map[string]string{"branch": deployBranch}, &d)
	if err != nil {
		fail(err.Error())
		return nil
	}
	success(fmt.Sprintf("Deployment %s created for %s@%s", d.ID, args[0], deployBranch))
	fmt.Printf("    follow it: %s\n", dimText(fmt.Sprintf("ember logs %s %s", args[0], d.ID)))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/projects/%s/deployments/%s/cancel", args[0], args[1])
	if err := apiSend("POST", path, nil, nil); err != nil {
		fail(err.Error())
		return nil
	}
	success(fmt.Sprintf("Deployment %s canceled", args[1]))
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	env := "prod"
	if len(args) == 2 {
		env = args[1]
	}
	if err := apiSend("POST", "/api/projects/"+args[0]+"/rollback/"+env, nil, nil); err != nil {
		fail(err.Error())
		return nil
	}
	success(fmt.Sprintf("Environment %s rolled back to its previous deployment", env))
	return nil
}
