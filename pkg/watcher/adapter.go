package watcher

import (
	"context"

	"github.com/errlyhq/errly/pkg/platform"
)

// ConnectorSource adapts a platform.Connector to the Subscriber port. The
// connector returns its concrete stream type, so a thin wrapper is needed
// to hand streams out behind the interface.
type ConnectorSource struct {
	connector *platform.Connector
}

// NewConnectorSource wraps a connector.
func NewConnectorSource(connector *platform.Connector) *ConnectorSource {
	return &ConnectorSource{connector: connector}
}

// Subscribe opens a log stream for the deployment.
func (s *ConnectorSource) Subscribe(ctx context.Context, deploymentID string) (Stream, error) {
	stream, err := s.connector.Subscribe(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Close tears down the shared websocket transport.
func (s *ConnectorSource) Close() {
	s.connector.Close()
}
