package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"driftwatch/internal/app"
)

var (
	showWallet string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display a wallet's recent action records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showWallet == "" {
			return fmt.Errorf("--wallet is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Wallet: showWallet,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showWallet, "wallet", "", "Wallet address")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
}
