package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/integrations/nrzap"
	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"

	"github.com/dominodatalab/vulcan/pkg/config"
)

const shutdownTimeout = 10 * time.Second

// NewApplication returns a New Relic application when cfg is enabled. Otherwise it returns nil, which the
// agent treats as a no-op application.
func NewApplication(cfg config.NewRelic, zl *zap.Logger) (*newrelic.Application, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigEnabled(true),
		newrelic.ConfigLogger(nrzap.Transform(zl.Named("newrelic"))),
		func(c *newrelic.Config) {
			c.Labels = cfg.Labels
		},
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create new relic application: %w", err)
	}

	return app, nil
}

// StartTransaction starts a transaction and stores it in the returned context so downstream segments attach
// to it. A nil app yields a nil transaction.
func StartTransaction(ctx context.Context, app *newrelic.Application, name string) (context.Context, *newrelic.Transaction) {
	if app == nil {
		return ctx, nil
	}

	txn := app.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), txn
}

// Shutdown flushes pending data.
func Shutdown(app *newrelic.Application) {
	if app == nil {
		return
	}
	app.Shutdown(shutdownTimeout)
}
