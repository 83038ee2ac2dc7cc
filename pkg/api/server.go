package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/storage"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

var _ TaskServiceServer = (*Server)(nil)

// Config holds API server settings
type Config struct {
	// AdminToken guards the administrative calls when set
	AdminToken string

	// TLSCertFile and TLSKeyFile enable TLS when both are set
	TLSCertFile string
	TLSKeyFile  string
}

// Server implements the task service over gRPC
type Server struct {
	manager *manager.Manager
	hub     *PushHub
	grpc    *grpc.Server
	logger  zerolog.Logger
}

// NewServer creates a new API server
func NewServer(mgr *manager.Manager, cfg Config) (*Server, error) {
	s := &Server{
		manager: mgr,
		hub:     NewPushHub(),
		logger:  log.WithComponent("api"),
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			AuthInterceptor(mgr.Tokens(), cfg.AdminToken),
		),
		grpc.ChainStreamInterceptor(
			StreamAuthInterceptor(mgr.Tokens(), cfg.AdminToken),
		),
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&ServiceDesc, s)
	return s, nil
}

// Hub returns the push hub. It is the broadcast.Notifier of the
// manager's coalescer.
func (s *Server) Hub() *PushHub {
	return s.hub
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")
	return s.grpc.Serve(lis)
}

// Stop closes open watch streams and gracefully stops the gRPC server
func (s *Server) Stop() {
	s.hub.Close()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// withAccount scopes admin lookups to an account when one is given
func withAccount(ctx context.Context, accountID string) context.Context {
	if accountID == "" {
		return ctx
	}
	return manager.WithAccount(ctx, accountID)
}

// Task administration

func (s *Server) CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	id, err := s.manager.CreateTask(ctx, req.TaskType, req.AccountID, req.ClientContext(),
		req.Schedule, req.AllowDuplicate, req.Description)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CreateTaskResponse{TaskID: id}, nil
}

func (s *Server) DeleteTask(ctx context.Context, req *TaskRequest) (*BoolResponse, error) {
	ok, err := s.manager.DeleteTask(ctx, req.AccountID, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *Server) DeleteAllTasksForAccount(ctx context.Context, req *AccountRequest) (*BoolResponse, error) {
	ok, err := s.manager.DeleteAllTasksForAccount(ctx, req.AccountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *Server) PauseTask(ctx context.Context, req *TaskRequest) (*BoolResponse, error) {
	ok, err := s.manager.PauseTask(ctx, req.AccountID, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *Server) ResumeTask(ctx context.Context, req *TaskRequest) (*BoolResponse, error) {
	ok, err := s.manager.ResumeTask(ctx, req.AccountID, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *Server) ResetTask(ctx context.Context, req *ResetTaskRequest) (*BoolResponse, error) {
	ok, err := s.manager.ResetTask(ctx, req.AccountID, req.TaskID, req.Bundle)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *Server) ListAllTasksForAccount(ctx context.Context, req *AccountRequest) (*ListTasksResponse, error) {
	tasks, err := s.manager.ListAllTasksForAccount(ctx, req.AccountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListTasksResponse{Tasks: tasks}, nil
}

func (s *Server) GetTaskRecord(ctx context.Context, req *TaskRequest) (*TaskResponse, error) {
	task, err := s.manager.GetTaskRecord(withAccount(ctx, req.AccountID), req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TaskResponse{Task: task}, nil
}

func (s *Server) GetTaskType(ctx context.Context, req *TaskRequest) (*TaskTypeResponse, error) {
	taskType, err := s.manager.GetTaskType(withAccount(ctx, req.AccountID), req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TaskTypeResponse{TaskType: taskType}, nil
}

func (s *Server) AppointWorker(ctx context.Context, req *AppointWorkerRequest) (*BoolResponse, error) {
	version := req.ContextVersion
	if version == 0 {
		version = time.Now().UnixMilli()
	}
	ok, err := s.manager.AppointWorker(ctx, req.AccountID, req.TaskID, req.WorkerID, version)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *Server) OnWorkerDisconnected(ctx context.Context, req *WorkerDisconnectedRequest) (*TaskIDsResponse, error) {
	ids, err := s.manager.OnWorkerDisconnected(ctx, req.AccountID, req.WorkerID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TaskIDsResponse{TaskIDs: ids}, nil
}

func (s *Server) UpdateUnassignedReason(ctx context.Context, req *UnassignedReasonRequest) (*BoolResponse, error) {
	ok, err := s.manager.UpdateUnassignedReason(ctx, req.TaskID, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

func (s *Server) GenerateToken(ctx context.Context, req *GenerateTokenRequest) (*GenerateTokenResponse, error) {
	at, err := s.manager.Tokens().GenerateToken(req.AccountID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info().Str("account_id", req.AccountID).Msg("Issued worker token")
	return &GenerateTokenResponse{Token: at.Token, ExpiresAt: at.ExpiresAt}, nil
}

// Worker calls

func (s *Server) RegisterWorker(ctx context.Context, req *WorkerRequest) (*WorkerResponse, error) {
	worker, err := s.manager.RegisterWorker(ctx, req.WorkerID, req.Hostname)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WorkerResponse{Worker: worker}, nil
}

func (s *Server) WorkerHeartbeat(ctx context.Context, req *WorkerRequest) (*Empty, error) {
	if err := s.manager.WorkerHeartbeat(ctx, req.WorkerID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) DeregisterWorker(ctx context.Context, req *WorkerRequest) (*Empty, error) {
	if err := s.manager.DeregisterWorker(ctx, req.WorkerID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) ListAssignedTasks(ctx context.Context, req *WorkerRequest) (*AssignedTasksResponse, error) {
	tasks, err := s.manager.ListAssignedTasks(ctx, req.WorkerID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AssignedTasksResponse{Tasks: tasks}, nil
}

func (s *Server) GetExecutionContext(ctx context.Context, req *ExecutionContextRequest) (*ExecutionContextResponse, error) {
	ec, err := s.manager.GetExecutionContext(ctx, req.TaskID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExecutionContextResponse{Context: ec}, nil
}

func (s *Server) TriggerCallback(ctx context.Context, req *CallbackRequest) (*BoolResponse, error) {
	ok, err := s.manager.TriggerCallback(ctx, req.TaskID, req.HeartbeatMillis, req.Response)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BoolResponse{OK: ok}, nil
}

// WatchAssignments streams an AssignmentChanged message each time the
// worker's assignment set changes. The worker re-polls ListAssignedTasks
// on every message.
func (s *Server) WatchAssignments(req *WorkerRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	accountID, ok := manager.AccountFromContext(ctx)
	if !ok {
		return toStatus(manager.ErrNoAccount)
	}

	worker, err := s.manager.GetWorker(req.WorkerID)
	if err != nil {
		return toStatus(err)
	}
	if worker.AccountID != accountID {
		return status.Errorf(codes.NotFound, "%v: %s", storage.ErrWorkerNotFound, req.WorkerID)
	}

	ch, cancel := s.hub.Subscribe(accountID, req.WorkerID)
	defer cancel()

	s.logger.Debug().Str("worker_id", req.WorkerID).Msg("Assignment watch opened")
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, open := <-ch:
			if !open {
				return nil
			}
			if err := stream.SendMsg(&AssignmentChanged{WorkerID: req.WorkerID}); err != nil {
				return err
			}
		}
	}
}
