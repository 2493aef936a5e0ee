package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective configuration",
	Long:  "Display the configuration after environment overrides, the token state and the cache location.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		s, err := resolveSettings(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:   %s\n", valueOrDefault(s.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  Stream URL: %s\n", valueOrDefault(s.StreamURL, "(not set)"))
		fmt.Fprintf(out, "  Author:     %s\n", valueOrDefault(s.Author, "(default)"))
		if s.AvatarURL != "" {
			fmt.Fprintf(out, "  Avatar:     %s\n", s.AvatarURL)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		tok, err := configTokenStore{}.Token()
		switch {
		case err != nil:
			fmt.Fprintf(out, "  Token:      error (%v)\n", err)
		case tok == "":
			fmt.Fprintln(out, "  Token:      (not set)")
		case os.Getenv(envToken) != "":
			fmt.Fprintf(out, "  Token:      %s (from %s)\n", maskKey(tok), envToken)
		default:
			fmt.Fprintf(out, "  Token:      %s\n", maskKey(tok))
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Cache:")
		fmt.Fprintf(out, "  Directory:  %s\n", s.CacheDir)
		if _, err := os.Stat(s.CacheDir); os.IsNotExist(err) {
			fmt.Fprintln(out, "  State:      empty (not created yet)")
		}
		return nil
	},
}
