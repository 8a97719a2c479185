package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	domainType string
	domainEnv  string
	domainTo   string
)

var domainsCmd = &cobra.Command{
	Use:   "domains <project>",
	Short: "List a project's custom domains",
	Args:  cobra.ExactArgs(1),
	RunE:  runDomains,
}

var domainsAddCmd = &cobra.Command{
	Use:   "add <project> <hostname>",
	Short: "Attach a custom domain (proxy or redirect)",
	Args:  cobra.ExactArgs(2),
	RunE:  runDomainsAdd,
}

var domainsRemoveCmd = &cobra.Command{
	Use:   "remove <project> <domain-id>",
	Short: "Detach a custom domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/projects/%s/domains/%s", args[0], args[1])
		if err := apiSend("DELETE", path, nil, nil); err != nil {
			fail(err.Error())
			return nil
		}
		success("Domain removed")
		return nil
	},
}

func init() {
	domainsAddCmd.Flags().StringVarP(&domainType, "type", "t", "proxy", "proxy, 301, 302, 307 or 308")
	domainsAddCmd.Flags().StringVarP(&domainEnv, "environment", "e", "prod", "target environment id (proxy domains)")
	domainsAddCmd.Flags().StringVar(&domainTo, "redirect-to", "", "target domain id (redirect domains)")
	domainsCmd.AddCommand(domainsAddCmd, domainsRemoveCmd)
	rootCmd.AddCommand(domainsCmd)
}

func runDomains(cmd *cobra.Command, args []string) error {
	var domains []domain
	if err := apiGet("/api/projects/"+args[0]+"/domains", &domains); err != nil {
		fail(err.Error())
		return nil
	}
	header("Custom Domains")
	if len(domains) == 0 {
		fmt.Printf("    %sNone — run:%s ember domains add %s <hostname>\n", colorDim, colorReset, args[0])
		return nil
	}
	for _, d := range domains {
		target := d.EnvironmentID
		if d.Type != "proxy" {
			target = "redirect " + d.Type
		}
		fmt.Printf("    🌐 %-30s %-14s %-10s %s\n", d.Hostname, target, d.Status, dimText(d.ID))
	}
	return nil
}

func runDomainsAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"hostname": args[1],
		"type":     domainType,
	}
	if domainType == "proxy" {
		body["environment_id"] = domainEnv
	} else {
		body["redirect_to_domain_id"] = domainTo
	}
	var d domain
	if err := apiSend("POST", "/api/projects/"+args[0]+"/domains", body, &d); err != nil {
		fail(err.Error())
		return nil
	}
	success(fmt.Sprintf("Domain %s attached (%s)", d.Hostname, d.Status))
	return nil
}
