package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "perpetual.v1.TaskService"

// Method names
const (
	MethodCreateTask               = "CreateTask"
	MethodDeleteTask               = "DeleteTask"
	MethodDeleteAllTasksForAccount = "DeleteAllTasksForAccount"
	MethodPauseTask                = "PauseTask"
	MethodResumeTask               = "ResumeTask"
	MethodResetTask                = "ResetTask"
	MethodListAllTasksForAccount   = "ListAllTasksForAccount"
	MethodGetTaskRecord            = "GetTaskRecord"
	MethodGetTaskType              = "GetTaskType"
	MethodAppointWorker            = "AppointWorker"
	MethodOnWorkerDisconnected     = "OnWorkerDisconnected"
	MethodUpdateUnassignedReason   = "UpdateUnassignedReason"
	MethodGenerateToken            = "GenerateToken"

	MethodRegisterWorker      = "RegisterWorker"
	MethodWorkerHeartbeat     = "WorkerHeartbeat"
	MethodDeregisterWorker    = "DeregisterWorker"
	MethodListAssignedTasks   = "ListAssignedTasks"
	MethodGetExecutionContext = "GetExecutionContext"
	MethodTriggerCallback     = "TriggerCallback"
	MethodWatchAssignments    = "WatchAssignments"
)

// FullMethod returns the gRPC path of a method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// TaskServiceServer is the server API of the task service
type TaskServiceServer interface {
	CreateTask(context.Context, *CreateTaskRequest) (*CreateTaskResponse, error)
	DeleteTask(context.Context, *TaskRequest) (*BoolResponse, error)
	DeleteAllTasksForAccount(context.Context, *AccountRequest) (*BoolResponse, error)
	PauseTask(context.Context, *TaskRequest) (*BoolResponse, error)
	ResumeTask(context.Context, *TaskRequest) (*BoolResponse, error)
	ResetTask(context.Context, *ResetTaskRequest) (*BoolResponse, error)
	ListAllTasksForAccount(context.Context, *AccountRequest) (*ListTasksResponse, error)
	GetTaskRecord(context.Context, *TaskRequest) (*TaskResponse, error)
	GetTaskType(context.Context, *TaskRequest) (*TaskTypeResponse, error)
	AppointWorker(context.Context, *AppointWorkerRequest) (*BoolResponse, error)
	OnWorkerDisconnected(context.Context, *WorkerDisconnectedRequest) (*TaskIDsResponse, error)
	UpdateUnassignedReason(context.Context, *UnassignedReasonRequest) (*BoolResponse, error)
	GenerateToken(context.Context, *GenerateTokenRequest) (*GenerateTokenResponse, error)

	RegisterWorker(context.Context, *WorkerRequest) (*WorkerResponse, error)
	WorkerHeartbeat(context.Context, *WorkerRequest) (*Empty, error)
	DeregisterWorker(context.Context, *WorkerRequest) (*Empty, error)
	ListAssignedTasks(context.Context, *WorkerRequest) (*AssignedTasksResponse, error)
	GetExecutionContext(context.Context, *ExecutionContextRequest) (*ExecutionContextResponse, error)
	TriggerCallback(context.Context, *CallbackRequest) (*BoolResponse, error)
	WatchAssignments(*WorkerRequest, grpc.ServerStream) error
}

// unary adapts a typed handler to a grpc.MethodDesc
func unary[Req, Resp any](name string, call func(TaskServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TaskServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(TaskServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchAssignmentsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(WorkerRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TaskServiceServer).WatchAssignments(in, stream)
}

// ServiceDesc describes the task service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateTask, TaskServiceServer.CreateTask),
		unary(MethodDeleteTask, TaskServiceServer.DeleteTask),
		unary(MethodDeleteAllTasksForAccount, TaskServiceServer.DeleteAllTasksForAccount),
		unary(MethodPauseTask, TaskServiceServer.PauseTask),
		unary(MethodResumeTask, TaskServiceServer.ResumeTask),
		unary(MethodResetTask, TaskServiceServer.ResetTask),
		unary(MethodListAllTasksForAccount, TaskServiceServer.ListAllTasksForAccount),
		unary(MethodGetTaskRecord, TaskServiceServer.GetTaskRecord),
		unary(MethodGetTaskType, TaskServiceServer.GetTaskType),
		unary(MethodAppointWorker, TaskServiceServer.AppointWorker),
		unary(MethodOnWorkerDisconnected, TaskServiceServer.OnWorkerDisconnected),
		unary(MethodUpdateUnassignedReason, TaskServiceServer.UpdateUnassignedReason),
		unary(MethodGenerateToken, TaskServiceServer.GenerateToken),
		unary(MethodRegisterWorker, TaskServiceServer.RegisterWorker),
		unary(MethodWorkerHeartbeat, TaskServiceServer.WorkerHeartbeat),
		unary(MethodDeregisterWorker, TaskServiceServer.DeregisterWorker),
		unary(MethodListAssignedTasks, TaskServiceServer.ListAssignedTasks),
		unary(MethodGetExecutionContext, TaskServiceServer.GetExecutionContext),
		unary(MethodTriggerCallback, TaskServiceServer.TriggerCallback),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchAssignments,
			Handler:       watchAssignmentsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "perpetual/v1/task_service",
}
