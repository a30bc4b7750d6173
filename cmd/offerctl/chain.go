package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minershop/offer-sync/internal/models"
)

func chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain MESSAGE_ID",
		Short: "Show the edit chain of a stored message",
		Long:  "Follows the original-message pointers from MESSAGE_ID back to the first message in its chain.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			chain, err := a.Processor.MessageChain(ctx, args[0])
			if err != nil {
				return err
			}
			if len(chain) == 0 {
				return fmt.Errorf("message %s not found", args[0])
			}
			for i, m := range chain {
				fmt.Fprintln(cmd.OutOrStdout(), formatChainEntry(i, m))
			}
			return nil
		},
	}
}

func formatChainEntry(depth int, m models.ChatMessage) string {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	if r := []rune(content); len(r) > 60 {
		content = string(r[:60]) + "..."
	}
	marker := ""
	if m.IsUpdate {
		marker = " (update)"
	}
	return fmt.Sprintf("%s%s %s %s%s: %s",
		strings.Repeat("  ", depth), m.MessageID, m.Timestamp.Format("2006-01-02 15:04"), m.SenderName, marker, content)
}
