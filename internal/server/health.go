package server

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vanshika/votetrace/internal/graph"
)

// HealthService defines behaviour for readiness probes.
type HealthService interface {
	Probe(ctx context.Context) error
}

// GraphHealthService verifies graph connectivity as part of health checks.
type GraphHealthService struct {
	Client graph.Client
}

// Probe implements the HealthService interface.
func (s GraphHealthService) Probe(ctx context.Context) error {
	if s.Client == nil {
		return nil
	}
	return s.Client.VerifyConnectivity(ctx)
}

// SQLHealthService pings the transaction database.
type SQLHealthService struct {
	DB *sql.DB
}

func (s SQLHealthService) Probe(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

// HealthChecks probes every service and joins the failures.
type HealthChecks []HealthService

func (h HealthChecks) Probe(ctx context.Context) error {
	var errs []error
	for _, svc := range h {
		if err := svc.Probe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
