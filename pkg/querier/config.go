package querier

import (
	"fmt"
	"log/slog"

	"github.com/sensorlake/sensorlake/pkg/lake"
	"github.com/sensorlake/sensorlake/pkg/schema"
)

type Config struct {
	Logger *slog.Logger
	DB     lake.DB

	// Schemas is the dataset catalog to advertise. Optional; a querier with
	// no schemas still executes SQL.
	Schemas []*schema.Schema
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DB == nil {
		return fmt.Errorf("database is required")
	}
	return nil
}
