package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display the store backend, state version, user and testament counts and the memory protection level.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(*cobra.Command, []string) error {
	stats := vault.Stats()

	color.New(color.Bold).Println("Vault Status")
	fmt.Println("============")
	fmt.Printf("Namespace:          %s\n", stats.Namespace)
	fmt.Printf("Store:              %s\n", stats.StoreType)
	if stats.StateVersion != "" {
		fmt.Printf("State Version:      %s\n", stats.StateVersion)
	} else {
		fmt.Printf("State Version:      %s\n", color.YellowString("never saved"))
	}
	fmt.Printf("Memory Protection:  %s\n", stats.MemoryProtection)
	fmt.Printf("Users:              %d\n", stats.Users)
	fmt.Printf("Secrets:            %d\n", stats.Secrets)
	fmt.Printf("Active Testaments:  %s\n", color.GreenString("%d", stats.ActiveTestaments))
	fmt.Printf("Released:           %s\n", color.CyanString("%d", stats.ReleasedTestaments))
	fmt.Printf("Opened in:          %s\n", formatAge(time.Since(cliContext.StartTime)))
	return nil
}
