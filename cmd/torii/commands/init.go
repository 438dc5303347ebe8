package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize torii configuration",
	Long: `Write a starter config.yaml with the default settings and a freshly
generated token signing secret.

Examples:
  torii init
  torii init --config-dir /etc/torii --force`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("config-dir", ".", "Configuration directory")
	initCmd.Flags().Bool("force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	force, _ := cmd.Flags().GetBool("force")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if !force && fileExists(configPath) {
		return fmt.Errorf("%s already exists, use --force to overwrite", configPath)
	}

	// Generate a signing secret so the file works out of the box.
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate token secret: %w", err)
	}

	data, err := yaml.Marshal(starterConfig(hex.EncodeToString(secret)))
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	// The file embeds the signing secret, so keep it private.
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	fmt.Printf("torii configuration initialized in %s\n", configDir)
	fmt.Printf("  - %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit config.yaml to customize your settings")
	fmt.Println("  2. Run 'torii enroll --username <name> --secret <secret>' to add identities")
	fmt.Println("  3. Run 'torii serve' to start the service")

	return nil
}

// starterConfig mirrors config.Default with human-readable durations.
// Written as a map so the generated file keeps "5m" instead of the
// nanosecond integers a marshaled time.Duration would produce.
func starterConfig(tokenSecret string) map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"listen":           ":8443",
			"read_timeout":     "10s",
			"write_timeout":    "15s",
			"idle_timeout":     "60s",
			"shutdown_timeout": "30s",
			"rate_limit":       50,
			"rate_burst":       100,
			"enable_enroll":    false,
		},
		"verifier": map[string]interface{}{
			"backend":       "commitment",
			"key_format":    "snarkjs",
			"max_proof_age": "5m",
			"clock_skew":    "30s",
		},
		"workers": map[string]interface{}{
			"count":        0,
			"queue_size":   256,
			"task_timeout": "5s",
			"wait_timeout": "8s",
		},
		"admission": map[string]interface{}{
			"max_per_identity": 3,
		},
		"defense": map[string]interface{}{
			"store":             "memory",
			"window":            "1h",
			"risk_elevated":     3,
			"risk_high":         8,
			"risk_critical":     20,
			"captcha_threshold": 5,
			"captcha_mode":      "off",
			"delay_free":        3,
			"delay_base":        "1s",
			"delay_factor":      2.0,
			"delay_max":         "5m",
			"auto_lock":         false,
			"lock_threshold":    20,
			"fail_mode":         "secure",
		},
		"identity": map[string]interface{}{
			"store":         "sqlite",
			"dsn":           "./data/torii.db",
			"cache_enabled": true,
			"cache_ttl":     "1m",
		},
		"audit": map[string]interface{}{
			"sink":          "sql",
			"driver":        "sqlite3",
			"dsn":           "./data/audit.db",
			"write_timeout": "2s",
		},
		"token": map[string]interface{}{
			"secret": tokenSecret,
			"ttl":    "15m",
			"issuer": "torii",
		},
		"log": map[string]interface{}{
			"level":  "info",
			"format": "console",
		},
		"metrics": map[string]interface{}{
			"enabled": true,
			"listen":  ":9090",
			"path":    "/metrics",
		},
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
