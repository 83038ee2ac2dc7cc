package api

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/perpetual/pkg/log"
	"github.com/cuemby/perpetual/pkg/manager"
	"github.com/cuemby/perpetual/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthorizationHeader is the metadata key carrying "Bearer <token>"
const AuthorizationHeader = "authorization"

// TokenValidator resolves a bearer token to an account
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// AuthInterceptor authenticates worker calls. The token's account is
// attached to the context with manager.WithAccount. Administrative calls
// require adminToken when it is set and are open otherwise.
func AuthInterceptor(tokens TokenValidator, adminToken string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx, err := authenticate(ctx, info.FullMethod, tokens, adminToken)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is AuthInterceptor for streaming calls
func StreamAuthInterceptor(tokens TokenValidator, adminToken string) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authenticate(ss.Context(), info.FullMethod, tokens, adminToken)
		if err != nil {
			return err
		}
		return handler(srv, &authStream{ServerStream: ss, ctx: ctx})
	}
}

type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authStream) Context() context.Context {
	return s.ctx
}

func authenticate(ctx context.Context, fullMethod string, tokens TokenValidator, adminToken string) (context.Context, error) {
	token := bearerToken(ctx)

	if !isWorkerMethod(fullMethod) {
		if adminToken != "" && token != adminToken {
			return nil, status.Error(codes.Unauthenticated, "admin token required")
		}
		return ctx, nil
	}

	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing worker token")
	}
	accountID, err := tokens.ValidateToken(token)
	if err != nil {
		log.Logger.Debug().Str("method", fullMethod).Err(err).Msg("Rejected worker token")
		return nil, toStatus(err)
	}
	return manager.WithAccount(ctx, accountID), nil
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(AuthorizationHeader)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer "))
}

// isWorkerMethod reports whether a method is called by workers with an
// account token
func isWorkerMethod(fullMethod string) bool {
	switch methodName(fullMethod) {
	case MethodRegisterWorker,
		MethodWorkerHeartbeat,
		MethodDeregisterWorker,
		MethodListAssignedTasks,
		MethodGetExecutionContext,
		MethodTriggerCallback,
		MethodWatchAssignments:
		return true
	}
	return false
}

// methodName extracts the method from a full path
// (e.g. "/perpetual.v1.TaskService/CreateTask" -> "CreateTask")
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// MetricsInterceptor counts requests and records their latency
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		method := methodName(info.FullMethod)
		metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}
