package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/perpetual/pkg/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply perpetual task manifests",
	Long: `Create the perpetual tasks described in a YAML file.

Creation is idempotent: a task with the same account, type and params is
reported instead of created again. Several documents may be separated
with "---".

Example manifest:

  apiVersion: perpetual/v1
  kind: PerpetualTask
  metadata:
    name: example-probe
  spec:
    type: http-probe
    account: acc1
    interval: 1m
    timeout: 5s
    params:
      url: https://example.com

Examples:
  perpetual apply -f tasks.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// TaskResource is one manifest document
type TaskResource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       TaskSpec         `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// TaskSpec describes the desired task
type TaskSpec struct {
	Type           string            `yaml:"type"`
	Account        string            `yaml:"account"`
	Interval       time.Duration     `yaml:"interval"`
	Timeout        time.Duration     `yaml:"timeout"`
	Params         map[string]string `yaml:"params,omitempty"`
	AllowDuplicate bool              `yaml:"allowDuplicate,omitempty"`
	Paused         bool              `yaml:"paused,omitempty"`
}

// parseManifests decodes every document in data
func parseManifests(data []byte) ([]TaskResource, error) {
	var resources []TaskResource
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var r TaskResource
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
		if r.Kind == "" && r.Spec.Type == "" {
			continue
		}
		if r.Kind != "PerpetualTask" {
			return nil, fmt.Errorf("unsupported resource kind: %q", r.Kind)
		}
		if r.Spec.Type == "" || r.Spec.Account == "" {
			return nil, fmt.Errorf("%s: spec.type and spec.account are required", r.Metadata.Name)
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// request builds the create call for a manifest
func (r *TaskResource) request() *api.CreateTaskRequest {
	params := r.Spec.Params
	if params == nil {
		params = map[string]string{}
	}
	return &api.CreateTaskRequest{
		TaskType:       r.Spec.Type,
		AccountID:      r.Spec.Account,
		Params:         params,
		Schedule:       scheduleFrom(r.Spec.Interval, r.Spec.Timeout),
		AllowDuplicate: r.Spec.AllowDuplicate,
		Description:    r.Metadata.Name,
	}
}

func runApply(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(viper.GetString("file"))
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	resources, err := parseManifests(data)
	if err != nil {
		return err
	}

	return withClient(func(ctx context.Context, c taskClient) error {
		for i := range resources {
			if err := applyTask(ctx, c, &resources[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyTask(ctx context.Context, c taskClient, r *TaskResource) error {
	id, err := c.CreateTask(ctx, r.request())
	if err != nil {
		return fmt.Errorf("failed to apply %s: %v", r.Metadata.Name, err)
	}
	fmt.Printf("✓ Task applied: %s (ID: %s)\n", r.Metadata.Name, id)

	if r.Spec.Paused {
		if _, err := c.PauseTask(ctx, r.Spec.Account, id); err != nil {
			return fmt.Errorf("failed to pause %s: %v", r.Metadata.Name, err)
		}
		fmt.Printf("✓ Task paused: %s\n", r.Metadata.Name)
	}
	return nil
}
