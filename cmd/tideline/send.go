package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	tideline "github.com/tideline-app/tideline-go"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <user-id> <text...>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self := getUserID()
		peer := args[0]
		content := strings.Join(args[1:], " ")

		rec, err := client.InsertMessage(context.Background(), tideline.MessageRecord{
			SenderID:    self,
			RecipientID: peer,
			Content:     content,
			MessageType: string(tideline.KindText),
		})
		if err != nil {
			return err
		}

		fmt.Printf("Sent %s at %s\n", rec.ID, rec.CreatedAt.Local().Format("15:04:05"))
		return nil
	},
}
