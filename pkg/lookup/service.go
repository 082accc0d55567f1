// Package lookup is the synchronous fallback to the authoritative user
// service: one unary call mapping a user id to a username.
package lookup

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName       = "chat.users.v1.UserLookup"
	GetUsernameMethod = "/" + ServiceName + "/GetUsername"
)

var ErrUserNotFound = errors.New("lookup: user not found")

// Server is implemented by the authoritative side. The request carries the
// user id, the response the username.
type Server interface {
	GetUsername(ctx context.Context, userID *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetUsername", Handler: getUsernameHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chat/users/v1/lookup.proto",
}

func Register(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func getUsernameHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetUsername(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetUsernameMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).GetUsername(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// StaticServer answers from a fixed map. It backs the development stub and
// tests.
type StaticServer struct {
	Users map[string]string
}

func (s StaticServer) GetUsername(_ context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	name, ok := s.Users[in.GetValue()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "user %q not found", in.GetValue())
	}
	return wrapperspb.String(name), nil
}
