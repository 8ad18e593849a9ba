package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the available output backends",
		Long: `List the output backends this build knows about, the firmware each can
boot, and which one is selected by the current configuration.`,
		Example: `  v2v backends
  v2v backends --config /etc/v2v/v2v.yaml`,
		Args: cobra.NoArgs,
		RunE: backendsRun,
	}
}

func backendsRun(cmd *cobra.Command, args []string) error {
	if globalBackends == nil {
		return fmt.Errorf("backends not initialized")
	}

	selected := ""
	if globalCfg != nil {
		selected = globalCfg.Output.Backend
	}

	fmt.Printf("%-10s %-10s %-12s %s\n", "Backend", "Selected", "Firmware", "Serial")
	fmt.Println(strings.Repeat("-", 45))
	for _, name := range globalBackends.Names() {
		b, _ := globalBackends.Get(name)

		var fw []string
		for _, f := range b.SupportedFirmware() {
			fw = append(fw, string(f))
		}
		mark := ""
		if name == selected {
			mark = "*"
		}
		serial := "no"
		if b.KeepSerialConsole() {
			serial = "yes"
		}
		fmt.Printf("%-10s %-10s %-12s %s\n", name, mark, strings.Join(fw, ","), serial)
	}
	fmt.Println("")

	return nil
}
