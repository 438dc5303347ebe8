package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.2.0"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "torii",
	Short: "Zero-knowledge credential login verification service",
	Long: `Torii verifies login attempts carrying zero-knowledge credential proofs.
A client proves knowledge of its secret against an enrolled commitment
without ever sending the secret; torii checks the proof behind an
admission gate, an abuse-defense pipeline and a bounded worker pool,
and answers with a signed session token.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.SetVersionTemplate(`torii {{.Version}}
Zero-knowledge credential login verification service
`)
}
