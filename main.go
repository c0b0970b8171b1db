package main

import (
	"os"

	"blogarchive/cmd/crawl"
	"blogarchive/log"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blogarchive",
		Short: "Recover the full post list of a blog from its feed",
	}
	rootCmd.AddCommand(crawl.Crawl)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
