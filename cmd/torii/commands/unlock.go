package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/audit"
	"github.com/torii-auth/torii/internal/config"
)

// unlockCmd represents the unlock command
var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock a locked identity",
	Long: `Clear the lock on an identity so it can attempt logins again.

Locks are never lifted automatically; once an account trips the failure
threshold an operator has to clear it deliberately.

Examples:
  torii unlock --username alice`,
	RunE: runUnlock,
}

func init() {
	rootCmd.AddCommand(unlockCmd)

	unlockCmd.Flags().String("username", "", "Username to unlock (required)")
	unlockCmd.MarkFlagRequired("username")
}

func runUnlock(cmd *cobra.Command, args []string) error {
	username, _ := cmd.Flags().GetString("username")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := buildIdentityStore(cfg, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	record, err := store.Get(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to load identity %q: %w", username, err)
	}
	if !record.Locked {
		fmt.Printf("%s is not locked\n", username)
		return nil
	}

	record.Locked = false
	if err := store.Set(ctx, record); err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}

	emitAuditEvent(cfg, audit.Event{
		Type:     audit.TypeUnlocked,
		Username: username,
		IP:       "cli",
		Outcome:  "unlocked",
		Reason:   "operator_action",
	})

	fmt.Printf("Unlocked %s\n", username)
	return nil
}
