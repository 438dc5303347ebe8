package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/torii-auth/torii/internal/audit"
	"github.com/torii-auth/torii/internal/config"
	"github.com/torii-auth/torii/internal/credential"
	"github.com/torii-auth/torii/internal/identity"
)

// enrollCmd represents the enroll command
var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll a new identity",
	Long: `Enroll a new identity directly against the configured identity store.

The secret is used once to derive the stored commitment and is never
persisted. Hand the printed salt to the client; it needs the salt to
build its proofs.

Examples:
  torii enroll --username alice --secret "correct horse battery staple"
  torii enroll --username ops-admin --secret "$(cat secret.txt)" --role admin`,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().String("username", "", "Username to enroll (required)")
	enrollCmd.Flags().String("secret", "", "Credential secret, at least 8 characters (required)")
	enrollCmd.Flags().String("role", "user", "Role recorded on the identity")
	enrollCmd.MarkFlagRequired("username")
	enrollCmd.MarkFlagRequired("secret")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	username, _ := cmd.Flags().GetString("username")
	secret, _ := cmd.Flags().GetString("secret")
	role, _ := cmd.Flags().GetString("role")

	if len(secret) < 8 {
		return fmt.Errorf("secret must be at least 8 characters")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zap.NewNop()
	store, err := buildIdentityStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.Get(ctx, username); err == nil {
		return fmt.Errorf("username %q is already enrolled", username)
	} else if err != identity.ErrNotFound {
		return fmt.Errorf("failed to check existing identity: %w", err)
	}

	salt, err := credential.GenerateSalt()
	if err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	commitment, err := credential.DeriveCommitment(username, secret, salt)
	if err != nil {
		return fmt.Errorf("failed to derive commitment: %w", err)
	}

	record := &identity.Record{
		ID:         uuid.NewString(),
		Username:   username,
		Commitment: commitment,
		Salt:       salt,
		Role:       role,
		CreatedAt:  time.Now().UTC(),
	}
	if err := store.Set(ctx, record); err != nil {
		return fmt.Errorf("failed to store identity: %w", err)
	}

	emitAuditEvent(cfg, audit.Event{
		Type:     audit.TypeEnrolled,
		Username: username,
		IP:       "cli",
		Outcome:  "enrolled",
		Detail:   map[string]interface{}{"role": role},
	})

	fmt.Printf("Enrolled %s\n", username)
	fmt.Printf("  ID:         %s\n", record.ID)
	fmt.Printf("  Role:       %s\n", role)
	fmt.Printf("  Commitment: %s\n", commitment)
	fmt.Printf("  Salt:       %s\n", base64.StdEncoding.EncodeToString(salt))
	return nil
}

// emitAuditEvent writes one event through the configured sink. CLI
// operations share the trail with the server; a sink failure only warns.
func emitAuditEvent(cfg *config.Config, event audit.Event) {
	sink, err := buildAuditSink(cfg, zap.NewNop())
	if err != nil {
		fmt.Printf("Warning: audit sink unavailable: %v\n", err)
		return
	}
	emitter := audit.NewEmitter(sink, cfg.Audit.WriteTimeout, zap.NewNop())
	defer emitter.Close()
	emitter.Emit(context.Background(), event)
}
