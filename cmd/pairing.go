package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/admission"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	cmd.AddCommand(pairingRevokeCmd())
	return cmd
}

// pairingService builds the pairing protocol over the configured state dir.
// No sender: CLI approval never messages the peer.
func pairingService() *admission.Pairing {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}
	stateDir := cfg.StateDirPath()
	return admission.NewPairing(store.NewPairingStore(stateDir), store.NewAllowFromStore(stateDir), nil)
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <channel>",
		Short: "List pending pairing requests for a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]
			pending, err := pairingService().Pending(channel)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Printf("no pending pairing requests for %s\n", channel)
				return nil
			}
			fmt.Printf("%-10s %-28s %-20s %s\n", "CODE", "SENDER", "NAME", "EXPIRES")
			for _, req := range pending {
				expires := time.UnixMilli(req.ExpiresAtMs).Format(time.RFC3339)
				fmt.Printf("%-10s %-28s %-20s %s\n", req.Code, req.SenderID, req.SenderName, expires)
			}
			return nil
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> [code]",
		Short: "Approve a pairing request, adding the sender to the allowlist",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]
			svc := pairingService()

			var code string
			if len(args) == 2 {
				code = args[1]
			} else {
				picked, err := pickPendingCode(svc, channel)
				if err != nil {
					return err
				}
				code = picked
			}

			req, approved, err := svc.Approve(channel, code)
			if err != nil {
				return err
			}
			if !approved {
				fmt.Printf("code %s not found (already approved, revoked, or expired)\n", code)
				return nil
			}
			fmt.Printf("approved %s (%s) on %s\n", req.SenderID, req.SenderName, channel)
			return nil
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <channel> <code>",
		Short: "Drop a pending pairing request without approving it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := pairingService().Revoke(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("revoked")
			return nil
		},
	}
}

// pickPendingCode runs an interactive selection over the channel's pending
// requests.
func pickPendingCode(svc *admission.Pairing, channel string) (string, error) {
	pending, err := svc.Pending(channel)
	if err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", fmt.Errorf("no pending pairing requests for %s", channel)
	}

	options := make([]huh.Option[string], 0, len(pending))
	for _, req := range pending {
		label := fmt.Sprintf("%s — %s (%s)", req.Code, req.SenderID, req.SenderName)
		options = append(options, huh.NewOption(label, req.Code))
	}

	var code string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Approve which %s pairing request?", channel)).
			Options(options...).
			Value(&code),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return code, nil
}
