package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shashiranjanraj/courier/config"
	"github.com/shashiranjanraj/courier/pkg/deadletter"
	"github.com/shashiranjanraj/courier/pkg/logger"
	"github.com/shashiranjanraj/courier/pkg/processor"
)

var workWorkersFlag int

// courier work
var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the delivery workers without the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := newStore()
		if err != nil {
			return err
		}

		workers := workWorkersFlag
		if workers < 1 {
			workers = config.WorkerCount()
		}

		proc := processor.New(store, newRegistry(),
			processor.WithWorkers(workers),
			processor.WithReapAfter(time.Duration(config.ReservationTimeoutSeconds())*time.Second),
		)
		proc.Start(ctx)

		dlp := deadletter.New(store,
			deadletter.WithAlertRecipients(config.AdminAlertEmails()),
		)
		dlp.Start(ctx)

		fmt.Printf("courier workers started (%d). Press Ctrl+C to stop.\n", workers)
		<-ctx.Done()

		proc.Stop()
		dlp.Stop()
		logger.CloseMongoHandler()
		fmt.Println("courier workers stopped.")
		return nil
	},
}

func init() {
	workCmd.Flags().IntVarP(&workWorkersFlag, "workers", "w", 0, "Number of concurrent workers (default from WORKER_COUNT)")
}
