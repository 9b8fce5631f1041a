// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/fulfillment/internal/fulfillment/app"
	"github.com/innovationmech/fulfillment/internal/fulfillment/config"
	pkgconfig "github.com/innovationmech/fulfillment/pkg/config"
	"github.com/innovationmech/fulfillment/pkg/logger"
)

// NewServeCommand runs the services of the selected roles until SIGINT or SIGTERM.
func NewServeCommand() *cobra.Command {
	var (
		flags configFlags
		roles []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run fulfillment services",
		Long: `Run one or more fulfillment roles in this process:
  saga       order saga orchestrator and sweeper
  inventory  reserve and release command handlers
  catalog    product service
  ordering   order API and order status listener
  all        every role above`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := app.ParseRoles(roles...)
			if err != nil {
				return err
			}
			m := flags.manager()
			cfg, err := config.Load(m)
			if err != nil {
				return err
			}
			if err := logger.Configure(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watchLogLevel(ctx, m)

			a, err := app.New(ctx, cfg, selected)
			if err != nil {
				return err
			}
			logger.GetLogger().Info("starting fulfillment",
				zap.Strings("roles", roles),
				zap.String("broker", cfg.Broker.Kind))
			return a.Run(ctx)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&roles, "role", []string{string(app.RoleAll)}, "roles to run: all, saga, inventory, catalog, ordering")
	return cmd
}

// watchLogLevel applies log.level changes from the config files without a restart.
func watchLogLevel(ctx context.Context, m *pkgconfig.Manager) {
	w, err := pkgconfig.NewWatcher(m, func(m *pkgconfig.Manager) {
		level := m.GetString("log.level")
		if level == "" || level == logger.GetLevel() {
			return
		}
		if err := logger.SetLevel(level); err != nil {
			logger.GetLogger().Warn("apply log level failed", zap.Error(err))
			return
		}
		logger.GetLogger().Info("log level updated", zap.String("level", level))
	})
	if err != nil {
		logger.GetLogger().Debug("config watcher not started", zap.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		logger.GetLogger().Debug("config watcher not started", zap.Error(err))
		return
	}
	go func() {
		<-ctx.Done()
		_ = w.Stop()
	}()
}
