package cmd

import (
	"bufio"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <project> <deployment>",
	Short: "Follow a deployment's build and runtime logs",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)
}

// tagRe strips the HTML wrapping the server puts around log lines for
// browser clients.
var tagRe = regexp.MustCompile(`<[^>]+>`)

func runLogs(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/projects/%s/deployments/%s/events", args[0], args[1])
	resp, err := http.Get(apiURL(path))
	if err != nil {
		fail(fmt.Sprintf("cannot reach %s: %v", serverURL, err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		fail(apiError(resp).Error())
		return nil
	}

	// SSE frames: "event:" names the frame, "data:" carries the payload.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "deployment_log":
				printLogBatch(data)
			case "deployment_concluded":
				if data == "succeeded" {
					success("Deployment " + data)
				} else {
					fail("Deployment " + data)
				}
			case "deployment_log_closed":
				return nil
			}
		}
	}
	return scanner.Err()
}

// printLogBatch splits the server's HTML log batch back into terminal
// lines, one per log entry.
func printLogBatch(data string) {
	for _, chunk := range strings.Split(data, "</div>") {
		if text := plainLogLine(chunk); text != "" {
			fmt.Println("  " + text)
		}
	}
}

// plainLogLine strips markup and undoes HTML escaping for one entry.
func plainLogLine(chunk string) string {
	text := strings.TrimSpace(tagRe.ReplaceAllString(chunk, " "))
	if text == "" {
		return ""
	}
	r := strings.NewReplacer("&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'")
	text = r.Replace(text)
	// Ampersands last, so escaped entities in the message survive.
	return strings.ReplaceAll(text, "&amp;", "&")
}
