package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	var cfgPath, userID string
	cmd := &cobra.Command{
		Use:          "order-tracker",
		Short:        "Customer-side tracker: order status, driver position, ETA",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("ошибка парсинга конфига, %w", err)
			}
			if userID != "" {
				cfg.Customer.UserID = userID
			}
			log, err := logging.New(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			err = runTracker(ctx, cfg, defaultTrackerFactories(), log, nil)
			if errors.Is(err, context.Canceled) {
				log.Info("order-tracker stopped")
				return nil
			}
			if err != nil {
				log.Error("order-tracker failed", zap.Error(err))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", os.Getenv("configPath"), "path to the YAML config")
	cmd.Flags().StringVar(&userID, "user", "", "customer id, overrides customer.user_id")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
