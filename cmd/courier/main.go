// Package main provides the courier CLI.
//
//	courier serve          # admin API + delivery workers + dead-letter processor
//	courier work           # delivery workers + dead-letter processor, no admin API
//	courier submit         # submit a message from a JSON file or stdin
//	courier stats          # queue counts
//	courier jobs           # list jobs
//	courier requeue <id>   # requeue a dead-letter (or failed) job
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "courier — reliable message delivery worker",
	Long: "Courier delivers messages over HTTP webhooks, email and internal routines,\n" +
		"retrying transient failures with exponential backoff and dead-lettering\n" +
		"messages that exhaust their attempts.",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(requeueCmd)
}
