package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/perpetual/pkg/types"
)

// DemoParams is the parameter document of the demo task type
type DemoParams struct {
	Values map[string]string `json:"values"`
}

func buildDemoParams(_ context.Context, clientContext map[string]string) ([]byte, error) {
	return json.Marshal(DemoParams{Values: clientContext})
}

// DemoExecutor reports its configured values back on every run. Its
// response is stable between runs, so heartbeats are deduplicated.
type DemoExecutor struct{}

func (e *DemoExecutor) RunOnce(ctx context.Context, taskID string, params []byte, heartbeatTime time.Time) (*types.TaskResponse, error) {
	var p DemoParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, p.Values[k]))
	}

	return &types.TaskResponse{
		Code:    types.ResponseCodeOK,
		Message: strings.Join(pairs, ","),
	}, nil
}

func (e *DemoExecutor) Cleanup(ctx context.Context, taskID string, params []byte) error {
	return nil
}
