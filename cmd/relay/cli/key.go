package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/neuralsieve/relay/internal/model"
	"github.com/neuralsieve/relay/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke the API keys that clients and the Sync Agent use to authenticate.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name  string
		admin bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  relay key create --name "ios-shortcut"
  relay key create --name "sync-agent" --admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(name, admin)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Name for this key, e.g. a device name (required)")
	cmd.Flags().BoolVar(&admin, "admin", false, "Create an admin key (can manage credentials)")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(name string, admin bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer st.Close()

	scope := model.ScopeStandard
	if admin {
		scope = model.ScopeAdmin
	}

	authSvc := service.NewAuthService(st)
	rawKey, key, err := authSvc.CreateKey(context.Background(), name, scope)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  ID:    %d\n", key.ID)
	fmt.Printf("  Name:  %s\n", key.Name)
	fmt.Printf("  Scope: %s\n", key.Scope)
	fmt.Printf("  Key:   %s\n", rawKey)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys (prefix only, never the full key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer st.Close()

	authSvc := service.NewAuthService(st)
	keys, err := authSvc.List(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		ID      int64       `json:"id"`
		Prefix  string      `json:"prefix"`
		Name    string      `json:"name"`
		Scope   model.Scope `json:"scope"`
		Created string      `json:"created"`
		Revoked bool        `json:"revoked"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		rows[i] = keyRow{
			ID:      k.ID,
			Prefix:  k.KeyPrefix,
			Name:    k.Name,
			Scope:   k.Scope,
			Created: k.CreatedAt.Format(time.DateOnly),
			Revoked: k.Revoked(),
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys configured. Use 'relay key create' to create one.")
		return nil
	}

	fmt.Printf("%-6s %-22s %-20s %-10s %-12s %-8s\n", "ID", "PREFIX", "NAME", "SCOPE", "CREATED", "STATUS")
	fmt.Printf("%-6s %-22s %-20s %-10s %-12s %-8s\n", "--", "------", "----", "-----", "-------", "------")
	for _, k := range rows {
		status := "active"
		if k.Revoked {
			status = "REVOKED"
		}
		fmt.Printf("%-6d %-22s %-20s %-10s %-12s %-8s\n", k.ID, k.Prefix, k.Name, k.Scope, k.Created, status)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by its ID",
		Long:  "Permanently disable an API key. Revocation cannot be undone; revoking twice is not an error.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(idStr string) error {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid key id %q", idStr)
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open relay store: %w", err)
	}
	defer st.Close()

	authSvc := service.NewAuthService(st)
	if err := authSvc.Revoke(context.Background(), id); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %d\n", id)
	return nil
}
