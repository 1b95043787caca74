package github

import (
	"context"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/common/ids"
	"github.com/cswenor/conductor/internal/common/logger"
)

// NoopClient logs writes without contacting any upstream. Used when no
// installation credentials are configured, so local runs still drain
// their outbox.
type NoopClient struct {
	logger *logger.Logger
}

// NewNoopClient creates a client that acknowledges every write.
func NewNoopClient(log *logger.Logger) *NoopClient {
	return &NoopClient{logger: log.WithFields(zap.String("component", "github-noop"))}
}

// Execute logs the write and fabricates a local node id so downstream
// bookkeeping stays consistent.
func (c *NoopClient) Execute(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	c.logger.Info("skipping upstream write (no credentials configured)",
		zap.String("kind", req.Kind),
		zap.String("target_node_id", req.TargetNodeID))
	return &WriteResult{NodeID: ids.New("local")}, nil
}
