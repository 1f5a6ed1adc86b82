package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawgate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env vars apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	stateDir := cfg.StateDirPath()
	fmt.Printf("  State:    %s", stateDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Channels:")
	printChannel("telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "", "token")
	printChannel("discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "", "token")
	printChannel("whatsapp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "", "bridge_url")
	printChannel("web", cfg.Channels.Web.Enabled, true, "")

	if cfg.Telemetry.Enabled {
		fmt.Println()
		fmt.Printf("  Telemetry: %s (%s)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}
}

func printChannel(name string, enabled, hasCreds bool, credName string) {
	state := "disabled"
	if enabled {
		state = "enabled"
		if !hasCreds {
			state = fmt.Sprintf("enabled, MISSING %s", credName)
		}
	}
	fmt.Printf("    %-10s %s\n", name+":", state)
}
