package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	tideline "github.com/tideline-app/tideline-go"
	"github.com/tideline-app/tideline-go/localdb"
)

var watchNoCache bool

func init() {
	watchCmd.Flags().BoolVar(&watchNoCache, "no-cache", false, "skip the local message cache")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <user-id>",
	Short: "Open a conversation and stream the merged view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self := getUserID()
		peer := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		feed := client.Feed()
		if err := feed.Connect(ctx); err != nil {
			return err
		}
		defer feed.Close()

		var opts []tideline.ConversationOption
		if !watchNoCache {
			dir, err := configDir()
			if err != nil {
				return err
			}
			store, err := localdb.Open(filepath.Join(dir, "cache"))
			if err != nil {
				return fmt.Errorf("open local cache: %w", err)
			}
			defer store.Close()
			opts = append(opts, tideline.WithLocalStore(store))
		}

		conv, err := tideline.OpenConversation(ctx, client, feed, self, peer, opts...)
		if err != nil {
			return err
		}
		defer conv.Close()

		for _, m := range conv.Messages() {
			printMessage(self, m)
		}
		if err := conv.MarkRead(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "mark read: %v\n", err)
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-conv.Events():
				if !ok {
					return nil
				}
				switch ev.Type {
				case tideline.EventMessageAdded, tideline.EventMessageConfirmed:
					if m, found := messageByID(conv, ev.ID); found {
						printMessage(self, m)
					}
				case tideline.EventMessageFailed:
					fmt.Fprintf(os.Stderr, "send failed: %v\n", ev.Err)
				case tideline.EventSubscriptionDropped:
					fmt.Fprintln(os.Stderr, "subscription dropped, refocusing...")
					if err := conv.Focus(ctx); err != nil {
						return err
					}
				case tideline.EventFetchFailed:
					fmt.Fprintf(os.Stderr, "fetch failed: %v\n", ev.Err)
				}
			}
		}
	},
}

func messageByID(conv *tideline.Conversation, id tideline.MessageID) (tideline.Message, bool) {
	for _, m := range conv.Messages() {
		if m.ID == id {
			return m, true
		}
	}
	return tideline.Message{}, false
}

func printMessage(self string, m tideline.Message) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	body := m.Content
	if m.MediaURL != "" {
		body = fmt.Sprintf("%s (%s)", body, m.MediaURL)
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), who, body)
}
