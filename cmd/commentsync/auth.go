package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store an access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := (configTokenStore{}).SaveToken(args[0]); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token %s saved.\n", maskKey(args[0]))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := (configTokenStore{}).DeleteToken(); err != nil {
			return fmt.Errorf("failed to delete token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token removed.")
		return nil
	},
}
