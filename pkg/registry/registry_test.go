package registry

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/perpetual/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okExecutor() Executor {
	return ExecutorFuncs{
		RunFunc: func(ctx context.Context, taskID string, params []byte, hb time.Time) (*types.TaskResponse, error) {
			return &types.TaskResponse{Code: types.ResponseCodeOK, Message: string(params)}, nil
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New()
	builder := ParamBuilderFunc(func(ctx context.Context, cc map[string]string) ([]byte, error) {
		return []byte(cc["k"]), nil
	})

	require.NoError(t, reg.Register("demo", builder, okExecutor()))

	b, err := reg.ParamBuilder("demo")
	require.NoError(t, err)
	params, err := b.BuildParams(context.Background(), map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), params)

	exec, err := reg.Executor("demo")
	require.NoError(t, err)
	resp, err := exec.RunOnce(context.Background(), "t1", params, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "v", resp.Message)
	assert.NoError(t, exec.Cleanup(context.Background(), "t1", params))

	assert.True(t, reg.Has("demo"))
	assert.Equal(t, []string{"demo"}, reg.Types())
}

func TestRegisterErrors(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("demo", nil, okExecutor()))

	err := reg.Register("demo", nil, okExecutor())
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	assert.ErrorIs(t, reg.Register("", nil, okExecutor()), ErrInvalidRegistration)
	assert.ErrorIs(t, reg.Register("other", nil, nil), ErrInvalidRegistration)
}

func TestLookupUnknown(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("bundle-only", nil, okExecutor()))

	_, err := reg.Executor("missing")
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	_, err = reg.ParamBuilder("missing")
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	// Registered without a builder
	_, err = reg.ParamBuilder("bundle-only")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}
