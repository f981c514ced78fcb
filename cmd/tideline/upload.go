package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	tideline "github.com/tideline-app/tideline-go"
)

var uploadBucket string

func init() {
	uploadCmd.Flags().StringVar(&uploadBucket, "bucket", tideline.MediaBucket, "target storage bucket")
	rootCmd.AddCommand(uploadCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file to blob storage and print its public URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		self := getUserID()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}

		path := fmt.Sprintf("%s/%s", self, filepath.Base(args[0]))
		url, err := client.UploadBlob(context.Background(), uploadBucket, path, data)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	},
}
