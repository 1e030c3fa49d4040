package dispatch

import (
	"context"
	"time"

	"github.com/linkshitup/link-broker/pkg/kernel"
)

// APILog is the append-only per-request observability record.
type APILog struct {
	ID           string              `db:"id" json:"id"`
	ProjectID    kernel.ProjectID    `db:"project_id" json:"project_id"`
	Provider     kernel.ProviderName `db:"provider" json:"provider"`
	ConnectionID kernel.ConnectionID `db:"connection_id" json:"connection_id"`
	Endpoint     string              `db:"endpoint" json:"endpoint"`
	Method       string              `db:"method" json:"method"`
	StatusCode   int                 `db:"status_code" json:"status_code"`
	LatencyMs    int64               `db:"latency_ms" json:"latency_ms"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
}

// APILogRepository persists request logs.
type APILogRepository interface {
	Insert(ctx context.Context, log *APILog) error
	ListByProject(ctx context.Context, projectID kernel.ProjectID, connectionID kernel.ConnectionID, limit int) ([]*APILog, error)
}
