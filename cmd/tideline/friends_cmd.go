package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendsListCmd)
	friendsCmd.AddCommand(friendsAddCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage the friends list",
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accepted friends and pending requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self := getUserID()
		ctx := context.Background()

		friends, err := client.Friends().List(ctx, self)
		if err != nil {
			return err
		}
		if len(friends) == 0 {
			fmt.Println("No friends yet.")
		}
		for _, f := range friends {
			name := f.DisplayName
			if name == "" {
				name = f.Username
			}
			fmt.Printf("%s  (@%s)  %s\n", name, f.Username, f.UserID)
		}

		incoming, outgoing, err := client.Friends().Pending(ctx, self)
		if err != nil {
			return err
		}
		for _, r := range incoming {
			fmt.Printf("incoming request %s from %s\n", r.ID, r.RequesterID)
		}
		for _, r := range outgoing {
			fmt.Printf("outgoing request %s to %s\n", r.ID, r.AddresseeID)
		}
		return nil
	},
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self := getUserID()

		rec, err := client.Friends().Request(context.Background(), self, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Request %s sent to %s\n", rec.ID, rec.AddresseeID)
		return nil
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a pending friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		if err := client.Friends().Respond(context.Background(), args[0], true); err != nil {
			return err
		}
		fmt.Println("Accepted.")
		return nil
	},
}
