package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/org/agentguard/internal/auth"
	"github.com/org/agentguard/pkg/models"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "guardctl",
	Short: "agentguard operator CLI",
	Long:  "A CLI for unlocking the secret vault, managing decisions and resolving approvals on an agentguard gateway.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "CLI config file (default ~/.agentguard/guardctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(principalCmd())
}

// runOp calls op and prints its result.
func runOp(op string, payload any) error {
	result, err := newClient().call(op, payload)
	if err != nil {
		printError(err.Error())
		return err
	}
	printResult(result)
	return nil
}

// readSecretInput returns arg, or a line from stdin when arg is "-" or
// absent, so values need not appear in shell history.
func readSecretInput(prompt string, args []string, idx int) string {
	if len(args) > idx && args[idx] != "-" {
		return args[idx]
	}
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		fmt.Fprint(os.Stderr, prompt)
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

// --- login ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login [token]",
		Short: "Store the gateway address and operator token in the CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				cfg.Address = addr
			}
			cfg.Token = readSecretInput("Token: ", args, 0)
			if cfg.Token == "" {
				return fmt.Errorf("token is required")
			}
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Success! Credentials saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Gateway address (e.g. http://127.0.0.1:8787)")
	return cmd
}

// --- vault ---

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show vault and gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := newClient().get("/v1/health")
			if err != nil {
				printError(err.Error())
				return err
			}
			printResult(health)
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock the secret vault (the first unlock enrolls the master password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("AGENTGUARD_MASTER_PASSWORD")
			if password == "" {
				password = readSecretInput("Master password: ", nil, 0)
			}
			result, err := newClient().call("secrets.unlock", map[string]any{"master_password": password})
			if err != nil {
				printError(err.Error())
				return err
			}
			if ok, _ := result["ok"].(bool); !ok {
				printError("wrong master password")
				return fmt.Errorf("unlock rejected")
			}
			printSuccess("Success! Vault unlocked.")
			return nil
		},
	}
}

func lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Lock the secret vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().call("secrets.lock", nil); err != nil {
				printError(err.Error())
				return err
			}
			printSuccess("Success! Vault locked.")
			return nil
		},
	}
}

// --- secret ---

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Manage secrets in the vault"}

	setCmd := &cobra.Command{
		Use:   "set <handle> [value|-]",
		Short: "Store a secret under a handle (value read from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := readSecretInput("Value: ", args, 1)
			if _, err := newClient().call("secrets.set_secret", map[string]any{
				"handle": args[0],
				"value":  value,
			}); err != nil {
				printError(err.Error())
				return err
			}
			printSuccess("Success! Secret saved: " + args[0])
			return nil
		},
	}

	existsCmd := &cobra.Command{
		Use:   "exists <handle>",
		Short: "Check whether a handle holds a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp("secrets.ensure_handle", map[string]any{"handle": args[0]})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored secret handles (names only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp("secrets.list_handles", nil)
		},
	}

	cmd.AddCommand(setCmd, existsCmd, listCmd)
	return cmd
}

// --- decisions ---

func decisionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "decision", Short: "Manage standing ALLOW/DENY decisions"}

	getCmd := &cobra.Command{
		Use:   "get <principal> <resource_type> <resource_value>",
		Short: "Read a standing decision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp("policy.get_decision", map[string]any{
				"principal_id":   args[0],
				"resource_type":  args[1],
				"resource_value": args[2],
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <principal> <resource_type> <resource_value> <allow|deny>",
		Short: "Write a standing decision",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().call("policy.set_decision", map[string]any{
				"principal_id":   args[0],
				"resource_type":  args[1],
				"resource_value": args[2],
				"decision":       args[3],
			}); err != nil {
				printError(err.Error())
				return err
			}
			printSuccess(fmt.Sprintf("Success! %s %s:%s for %s", strings.ToUpper(args[3]), args[1], args[2], args[0]))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <principal>",
		Short: "List standing decisions for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().call("policy.list_decisions", map[string]any{"principal_id": args[0]})
			if err != nil {
				printError(err.Error())
				return err
			}
			rows, _ := result["decisions"].([]any)
			printRows(rows, "resource.resource_type", "resource.resource_value", "decision", "timestamp")
			return nil
		},
	}

	cmd.AddCommand(getCmd, setCmd, listCmd)
	return cmd
}

// --- approvals ---

func approvalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().call("approvals.list", nil)
			if err != nil {
				printError(err.Error())
				return err
			}
			rows, _ := result["pending"].([]any)
			printRows(rows, "approval_id", "principal_id", "resource.resource_type", "resource.resource_value", "expires_at")
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <approval_id> <always_allow|deny|approve_this_request>",
		Short: "Resolve a pending approval",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[1] {
			case models.ActionAlwaysAllow, models.ActionDeny, models.ActionApproveThisRequest:
			default:
				return fmt.Errorf("unknown action %q", args[1])
			}
			return runOp("policy.apply_callback", map[string]any{
				"approval_id": args[0],
				"action":      args[1],
			})
		},
	}
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, _ := cmd.Flags().GetString("principal")
			op, _ := cmd.Flags().GetString("op")
			since, _ := cmd.Flags().GetDuration("since")
			limit, _ := cmd.Flags().GetInt("limit")

			payload := map[string]any{
				"principal_id": principal,
				"operation":    op,
				"limit":        limit,
			}
			if since > 0 {
				payload["since"] = time.Now().Add(-since).UTC().Format(time.RFC3339)
			}
			result, err := newClient().call("audit.query", payload)
			if err != nil {
				printError(err.Error())
				return err
			}
			rows, _ := result["entries"].([]any)
			printRows(rows, "timestamp", "principal_id", "operation", "resource", "status")
			return nil
		},
	}
	cmd.Flags().String("principal", "", "Only entries for this principal")
	cmd.Flags().String("op", "", "Only entries for this operation (e.g. web.request)")
	cmd.Flags().Duration("since", 0, "Only entries newer than this (e.g. 1h)")
	cmd.Flags().Int("limit", 50, "Maximum entries to return")
	return cmd
}

// --- principals ---

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "principal", Short: "Principal binding helpers"}

	tokenCmd := &cobra.Command{
		Use:   "token <id> <user|operator>",
		Short: "Generate a bearer token and the config entry that binds it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := models.Role(args[1])
			if role != models.RoleUser && role != models.RoleOperator {
				return fmt.Errorf("role must be user or operator")
			}
			plaintext, hash, err := auth.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Token (shown once, give it to the principal):")
			fmt.Println(plaintext)
			fmt.Fprintln(os.Stderr, "\nAdd to the gateway config:")
			fmt.Fprintf(os.Stderr, "principals:\n  - id: %s\n    role: %s\n    token_sha256: %s\n", args[0], role, hash)
			return nil
		},
	}

	cmd.AddCommand(tokenCmd)
	return cmd
}
