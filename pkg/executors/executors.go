package executors

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/perpetual/pkg/registry"
)

// Built-in task types
const (
	TypeDemo      = "demo"
	TypeHTTPProbe = "http-probe"
	TypeTCPProbe  = "tcp-probe"
)

// RegisterDefaults registers every built-in task type on reg
func RegisterDefaults(reg *registry.Registry) error {
	pairs := []struct {
		taskType string
		builder  registry.ParamBuilder
		executor registry.Executor
	}{
		{TypeDemo, registry.ParamBuilderFunc(buildDemoParams), &DemoExecutor{}},
		{TypeHTTPProbe, registry.ParamBuilderFunc(buildHTTPParams), NewHTTPExecutor()},
		{TypeTCPProbe, registry.ParamBuilderFunc(buildTCPParams), NewTCPExecutor()},
	}

	for _, p := range pairs {
		if err := reg.Register(p.taskType, p.builder, p.executor); err != nil {
			return err
		}
	}
	return nil
}

func decodeParams(params []byte, v interface{}) error {
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("failed to decode task params: %w", err)
	}
	return nil
}
