package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Long:  `Display per-component counters from a running torii node.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8443", "API server URL")
	statusCmd.Flags().String("format", "table", "Output format (table, json)")
	statusCmd.Flags().Bool("watch", false, "Watch status")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Watch interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	if watch {
		for {
			// Clear screen (ANSI escape code)
			fmt.Print("\033[H\033[2J")

			if err := displayStatus(apiURL, format); err != nil {
				return err
			}

			time.Sleep(interval)
		}
	}

	return displayStatus(apiURL, format)
}

func displayStatus(apiURL, format string) error {
	components, err := fetchStatus(apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(components)
	}
	return displayTable(components)
}

func fetchStatus(apiURL string) (map[string]interface{}, error) {
	resp, err := http.Get(apiURL + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
		Error   string                 `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if !envelope.Success {
		return nil, fmt.Errorf("API error: %s", envelope.Error)
	}
	return envelope.Data, nil
}

func displayTable(components map[string]interface{}) error {
	fmt.Printf("torii status - %s\n", time.Now().Format("2006-01-02 15:04:05"))

	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		stats, ok := components[name].(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Printf("\n%s:\n", name)

		keys := make([]string, 0, len(stats))
		for key := range stats {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			fmt.Printf("  %-24s %s\n", key, formatStat(key, stats[key]))
		}
	}
	return nil
}

// formatStat renders one counter. JSON hands every number over as float64.
func formatStat(key string, value interface{}) string {
	switch v := value.(type) {
	case float64:
		if key == "uptime_seconds" {
			return (time.Duration(v) * time.Second).String()
		}
		if v == float64(int64(v)) {
			return humanize.Comma(int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	case bool:
		if v {
			return "yes"
		}
		return "no"
	default:
		return fmt.Sprintf("%v", v)
	}
}
