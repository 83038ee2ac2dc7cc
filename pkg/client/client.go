package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/perpetual/pkg/api"
	"github.com/cuemby/perpetual/pkg/storage"
	"github.com/cuemby/perpetual/pkg/types"
	"github.com/cuemby/perpetual/pkg/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var _ worker.ManagerClient = (*Client)(nil)

// DefaultTimeout bounds calls whose context has no deadline
const DefaultTimeout = 10 * time.Second

// Options configures a Client
type Options struct {
	// Token is sent as "authorization: Bearer <token>" on every call: a
	// worker token for workers, the admin token for operators.
	Token string

	// CAFile enables TLS and verifies the manager against this CA
	CAFile string

	Timeout time.Duration
}

// Client wraps the task service for the CLI and for workers
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects to the manager API at addr
func NewClient(addr string, opts Options) (*Client, error) {
	creds := insecure.NewCredentials()
	if opts.CAFile != "" {
		tlsCreds, err := loadTLS(opts.CAFile)
		if err != nil {
			return nil, err
		}
		creds = tlsCreds
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	}
	if opts.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearer{
			token:  opts.Token,
			secure: opts.CAFile != "",
		}))
	}

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to manager: %w", err)
	}
	return NewClientWithConn(conn, opts), nil
}

// NewClientWithConn wraps an existing connection. The connection must
// use the api codec and carry the token itself.
func NewClientWithConn(conn *grpc.ClientConn, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

func loadTLS(caFile string) (credentials.TransportCredentials, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
	}), nil
}

// bearer attaches the token to every call
type bearer struct {
	token  string
	secure bool
}

func (b bearer) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{api.AuthorizationHeader: "Bearer " + b.token}, nil
}

func (b bearer) RequireTransportSecurity() bool {
	return b.secure
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.conn.Invoke(ctx, api.FullMethod(method), req, resp)
}

// fromStatus turns NotFound into notFound so callers can use errors.Is
func fromStatus(err error, notFound error) error {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
		return fmt.Errorf("%w: %s", notFound, st.Message())
	}
	return err
}

// Task administration

// CreateTask creates a task and returns its id
func (c *Client) CreateTask(ctx context.Context, req *api.CreateTaskRequest) (string, error) {
	var resp api.CreateTaskResponse
	if err := c.invoke(ctx, api.MethodCreateTask, req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) DeleteTask(ctx context.Context, accountID, taskID string) (bool, error) {
	return c.boolCall(ctx, api.MethodDeleteTask, &api.TaskRequest{AccountID: accountID, TaskID: taskID})
}

func (c *Client) DeleteAllTasksForAccount(ctx context.Context, accountID string) (bool, error) {
	return c.boolCall(ctx, api.MethodDeleteAllTasksForAccount, &api.AccountRequest{AccountID: accountID})
}

func (c *Client) PauseTask(ctx context.Context, accountID, taskID string) (bool, error) {
	return c.boolCall(ctx, api.MethodPauseTask, &api.TaskRequest{AccountID: accountID, TaskID: taskID})
}

func (c *Client) ResumeTask(ctx context.Context, accountID, taskID string) (bool, error) {
	return c.boolCall(ctx, api.MethodResumeTask, &api.TaskRequest{AccountID: accountID, TaskID: taskID})
}

// ResetTask re-queues a task, replacing its bundle when one is given
func (c *Client) ResetTask(ctx context.Context, accountID, taskID string, bundle []byte) (bool, error) {
	return c.boolCall(ctx, api.MethodResetTask, &api.ResetTaskRequest{
		AccountID: accountID,
		TaskID:    taskID,
		Bundle:    bundle,
	})
}

func (c *Client) ListAllTasksForAccount(ctx context.Context, accountID string) ([]*types.PerpetualTask, error) {
	var resp api.ListTasksResponse
	if err := c.invoke(ctx, api.MethodListAllTasksForAccount, &api.AccountRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetTaskRecord fetches a task. An empty accountID skips the account check.
func (c *Client) GetTaskRecord(ctx context.Context, accountID, taskID string) (*types.PerpetualTask, error) {
	var resp api.TaskResponse
	err := c.invoke(ctx, api.MethodGetTaskRecord, &api.TaskRequest{AccountID: accountID, TaskID: taskID}, &resp)
	if err != nil {
		return nil, fromStatus(err, types.ErrTaskNotFound)
	}
	return resp.Task, nil
}

func (c *Client) GetTaskType(ctx context.Context, accountID, taskID string) (string, error) {
	var resp api.TaskTypeResponse
	err := c.invoke(ctx, api.MethodGetTaskType, &api.TaskRequest{AccountID: accountID, TaskID: taskID}, &resp)
	if err != nil {
		return "", fromStatus(err, types.ErrTaskNotFound)
	}
	return resp.TaskType, nil
}

func (c *Client) AppointWorker(ctx context.Context, accountID, taskID, workerID string, contextVersion int64) (bool, error) {
	return c.boolCall(ctx, api.MethodAppointWorker, &api.AppointWorkerRequest{
		AccountID:      accountID,
		TaskID:         taskID,
		WorkerID:       workerID,
		ContextVersion: contextVersion,
	})
}

func (c *Client) OnWorkerDisconnected(ctx context.Context, accountID, workerID string) ([]string, error) {
	var resp api.TaskIDsResponse
	err := c.invoke(ctx, api.MethodOnWorkerDisconnected, &api.WorkerDisconnectedRequest{
		AccountID: accountID,
		WorkerID:  workerID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.TaskIDs, nil
}

func (c *Client) UpdateUnassignedReason(ctx context.Context, taskID string, reason types.UnassignedReason) (bool, error) {
	return c.boolCall(ctx, api.MethodUpdateUnassignedReason, &api.UnassignedReasonRequest{TaskID: taskID, Reason: reason})
}

// GenerateToken issues a worker token for an account. A zero ttl never
// expires.
func (c *Client) GenerateToken(ctx context.Context, accountID string, ttl time.Duration) (*api.GenerateTokenResponse, error) {
	var resp api.GenerateTokenResponse
	err := c.invoke(ctx, api.MethodGenerateToken, &api.GenerateTokenRequest{
		AccountID:  accountID,
		TTLSeconds: int64(ttl / time.Second),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) boolCall(ctx context.Context, method string, req interface{}) (bool, error) {
	var resp api.BoolResponse
	if err := c.invoke(ctx, method, req, &resp); err != nil {
		return false, fromStatus(err, types.ErrTaskNotFound)
	}
	return resp.OK, nil
}

// Worker calls

func (c *Client) RegisterWorker(ctx context.Context, workerID, hostname string) error {
	return c.invoke(ctx, api.MethodRegisterWorker, &api.WorkerRequest{WorkerID: workerID, Hostname: hostname}, &api.WorkerResponse{})
}

// WorkerHeartbeat returns worker.ErrNotRegistered when the manager no
// longer knows the worker
func (c *Client) WorkerHeartbeat(ctx context.Context, workerID string) error {
	err := c.invoke(ctx, api.MethodWorkerHeartbeat, &api.WorkerRequest{WorkerID: workerID}, &api.Empty{})
	return fromStatus(err, worker.ErrNotRegistered)
}

func (c *Client) DeregisterWorker(ctx context.Context, workerID string) error {
	err := c.invoke(ctx, api.MethodDeregisterWorker, &api.WorkerRequest{WorkerID: workerID}, &api.Empty{})
	return fromStatus(err, storage.ErrWorkerNotFound)
}

func (c *Client) ListAssignedTasks(ctx context.Context, workerID string) ([]types.AssignedTask, error) {
	var resp api.AssignedTasksResponse
	if err := c.invoke(ctx, api.MethodListAssignedTasks, &api.WorkerRequest{WorkerID: workerID}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) GetExecutionContext(ctx context.Context, taskID string) (*types.ExecutionContext, error) {
	var resp api.ExecutionContextResponse
	if err := c.invoke(ctx, api.MethodGetExecutionContext, &api.ExecutionContextRequest{TaskID: taskID}, &resp); err != nil {
		return nil, fromStatus(err, types.ErrTaskNotFound)
	}
	if resp.Context == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTaskNotFound, taskID)
	}
	return resp.Context, nil
}

func (c *Client) TriggerCallback(ctx context.Context, taskID string, heartbeatMillis int64, resp types.TaskResponse) (bool, error) {
	var out api.BoolResponse
	err := c.invoke(ctx, api.MethodTriggerCallback, &api.CallbackRequest{
		TaskID:          taskID,
		HeartbeatMillis: heartbeatMillis,
		Response:        resp,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.OK, nil
}

// WatchAssignments opens the push stream. Each AssignmentChanged message
// becomes one value on the channel; the channel closes when the stream
// ends or ctx is cancelled.
func (c *Client) WatchAssignments(ctx context.Context, workerID string) (<-chan struct{}, error) {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod(api.MethodWatchAssignments))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&api.WorkerRequest{WorkerID: workerID}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			var msg api.AssignmentChanged
			if err := stream.RecvMsg(&msg); err != nil {
				return
			}
			select {
			case out <- struct{}{}:
			case <-ctx.Done():
				return
			default:
				// A wake-up is already pending
			}
		}
	}()
	return out, nil
}

// IsNotFound reports whether err is a NotFound status or a mapped
// not-found sentinel
func IsNotFound(err error) bool {
	if errors.Is(err, types.ErrTaskNotFound) || errors.Is(err, storage.ErrWorkerNotFound) || errors.Is(err, worker.ErrNotRegistered) {
		return true
	}
	return status.Code(err) == codes.NotFound
}
