package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/perpetual/pkg/types"
)

// TCPParams configures one tcp-probe task
type TCPParams struct {
	// Address is the TCP address to connect to (e.g., "10.0.0.5:6379")
	Address string `json:"address"`
}

func buildTCPParams(_ context.Context, cc map[string]string) ([]byte, error) {
	if cc["address"] == "" {
		return nil, fmt.Errorf("tcp-probe requires an address")
	}
	return json.Marshal(TCPParams{Address: cc["address"]})
}

// TCPExecutor checks that a TCP endpoint accepts connections
type TCPExecutor struct {
	dialer *net.Dialer
}

// NewTCPExecutor creates a TCP probe executor
func NewTCPExecutor() *TCPExecutor {
	return &TCPExecutor{dialer: &net.Dialer{}}
}

func (t *TCPExecutor) RunOnce(ctx context.Context, taskID string, params []byte, heartbeatTime time.Time) (*types.TaskResponse, error) {
	var p TCPParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	return &types.TaskResponse{
		Code:    types.ResponseCodeOK,
		Message: fmt.Sprintf("TCP connection to %s successful", p.Address),
	}, nil
}

func (t *TCPExecutor) Cleanup(ctx context.Context, taskID string, params []byte) error {
	return nil
}
