package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shashiranjanraj/courier/config"
	"github.com/shashiranjanraj/courier/internal/server"
	"github.com/shashiranjanraj/courier/pkg/deadletter"
	"github.com/shashiranjanraj/courier/pkg/delivery"
	"github.com/shashiranjanraj/courier/pkg/logger"
	"github.com/shashiranjanraj/courier/pkg/processor"
)

// courier serve
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API, delivery workers and dead-letter processor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := newStore()
		if err != nil {
			return err
		}

		proc := processor.New(store, newRegistry(),
			processor.WithWorkers(config.WorkerCount()),
			processor.WithReapAfter(time.Duration(config.ReservationTimeoutSeconds())*time.Second),
		)
		proc.Start(ctx)
		defer proc.Stop()

		dlp := deadletter.New(store,
			deadletter.WithAlertRecipients(config.AdminAlertEmails()),
		)
		dlp.Start(ctx)
		defer dlp.Stop()

		defer logger.CloseMongoHandler()

		api := server.New(delivery.NewService(store))
		fmt.Printf("courier serving on :%s (%d workers). Press Ctrl+C to stop.\n",
			config.AppPort(), config.WorkerCount())
		return server.ListenAndServe(ctx, api.Handler())
	},
}
