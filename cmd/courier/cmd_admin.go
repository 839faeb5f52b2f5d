package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shashiranjanraj/courier/pkg/jobstore"
	"github.com/shashiranjanraj/courier/pkg/message"
)

var (
	submitFileFlag string

	jobsQueueFlag  string
	jobsStateFlag  string
	jobsOffsetFlag int
	jobsLimitFlag  int
)

// courier submit
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a message from a JSON file (or stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		in := os.Stdin
		if submitFileFlag != "" {
			f, err := os.Open(submitFileFlag)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		raw, err := io.ReadAll(in)
		if err != nil {
			return err
		}

		var msg message.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("invalid message JSON: %w", err)
		}

		jobID, err := svc.Submit(context.Background(), msg)
		if err != nil {
			return err
		}
		fmt.Println(jobID)
		return nil
	},
}

// courier stats
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		stats, err := svc.Stats(context.Background())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

// courier jobs
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs in a queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		ctx := context.Background()
		var records []*jobstore.JobRecord
		switch jobsQueueFlag {
		case "main":
			records, err = svc.ListMain(ctx, jobstore.State(jobsStateFlag), jobsOffsetFlag, jobsLimitFlag)
		case "dead_letter":
			records, err = svc.ListDeadLetter(ctx, jobsOffsetFlag, jobsLimitFlag)
		default:
			return fmt.Errorf("unknown queue %q (main or dead_letter)", jobsQueueFlag)
		}
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

// courier requeue <job-id>
var requeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Requeue a dead-letter (or failed) job as a fresh submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		newID, err := svc.Requeue(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(newID)
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	submitCmd.Flags().StringVarP(&submitFileFlag, "file", "f", "", "Read the message from this file instead of stdin")

	jobsCmd.Flags().StringVarP(&jobsQueueFlag, "queue", "q", "main", "Queue to list (main or dead_letter)")
	jobsCmd.Flags().StringVarP(&jobsStateFlag, "state", "s", "", "State filter for the main queue")
	jobsCmd.Flags().IntVar(&jobsOffsetFlag, "offset", 0, "Listing offset")
	jobsCmd.Flags().IntVar(&jobsLimitFlag, "limit", 50, "Listing limit")
}
