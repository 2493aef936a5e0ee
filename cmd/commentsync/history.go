package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/momentic/commentsync"
	"github.com/spf13/cobra"
)

var (
	historyJSON bool
	postJSON    bool
)

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	postCmd.Flags().BoolVar(&postJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(postCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Fetch the comment history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}

		msgs, err := newClient(s).FetchHistory(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No comments found.")
			return nil
		}
		now := time.Now()
		for _, m := range msgs {
			printMessage(out, m, now)
		}
		fmt.Fprintf(out, "%d comments\n", len(msgs))
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post <conversation-id> <text>",
	Short: "Post a comment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}

		posted, err := newClient(s).Publish(context.Background(), args[0], commentsync.OutgoingMessage{
			Author:    valueOrDefault(s.Author, commentsync.DefaultAuthor),
			Text:      args[1],
			AvatarURL: s.AvatarURL,
			CreatedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if postJSON {
			b, _ := json.MarshalIndent(posted, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		fmt.Fprintf(out, "Posted %s\n", posted.ID)
		return nil
	},
}
