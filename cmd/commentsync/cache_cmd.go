package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheJSON bool

func init() {
	cacheShowCmd.Flags().BoolVar(&cacheJSON, "json", false, "Output JSON")
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the local comment cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cached feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		s, err := resolveSettings(cfg)
		if err != nil {
			return err
		}
		cache, closer, err := openCache(s, nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		msgs := cache.Load()
		out := cmd.OutOrStdout()
		if cacheJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "Cache is empty.")
			return nil
		}
		now := time.Now()
		for _, m := range msgs {
			printMessage(out, m, now)
		}
		fmt.Fprintf(out, "%d cached comments in %s\n", len(msgs), s.CacheDir)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the cached feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		s, err := resolveSettings(cfg)
		if err != nil {
			return err
		}
		cache, closer, err := openCache(s, nil)
		if err != nil {
			return err
		}
		defer closer.Close()

		if err := cache.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
		return nil
	},
}
