// Package credserver is a small gRPC service that hands out short-lived
// backup credentials to callers presenting a valid account access token.
package credserver

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// CredentialsServer is the service implemented by Server.
type CredentialsServer interface {
	GetCredentials(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var credentialsServiceDesc = grpc.ServiceDesc{
	ServiceName: common.CredentialsServiceName,
	HandlerType: (*CredentialsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetCredentials", Handler: getCredentialsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backup/v1/credentials.proto",
}

func getCredentialsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CredentialsServer).GetCredentials(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: common.GetCredentialsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CredentialsServer).GetCredentials(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type Server struct {
	address   string
	logger    logging.Logger
	jwtSecret []byte
	validity  time.Duration
	cdnNumber uint32
	now       func() time.Time
}

func NewServer(address string, l logging.Logger, secretKey string, validity time.Duration, cdnNumber uint32) *Server {
	return &Server{
		address:   address,
		logger:    l.With("module", "credentials_server"),
		jwtSecret: []byte(secretKey),
		validity:  validity,
		cdnNumber: cdnNumber,
		now:       time.Now,
	}
}

// IssueAccessToken creates an access token for accountID, signed with the
// server secret.
func (s *Server) IssueAccessToken(accountID string, validity time.Duration) (string, error) {
	return GenerateToken(Claims{AccountID: accountID, Scope: ScopeAccess}, s.jwtSecret, validity, s.now())
}

// NewGRPCServer returns a grpc.Server with the credentials service and the
// access token interceptor installed.
func (s *Server) NewGRPCServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	srv.RegisterService(&credentialsServiceDesc, s)
	return srv
}

func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := s.NewGRPCServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", l.Addr().String())

	if err := srv.Serve(l); err != nil {
		return err
	}
	return nil
}

func (s *Server) GetCredentials(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	accountID, ok := accountIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}

	now := s.now()
	token, err := GenerateToken(Claims{AccountID: accountID, Scope: ScopeBackup, CdnNumber: s.cdnNumber},
		s.jwtSecret, s.validity, now)
	if err != nil {
		s.logger.Error(ctx, "failed to sign credentials", "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}

	out, err := structpb.NewStruct(map[string]any{
		"token":      token,
		"cdn_number": float64(s.cdnNumber),
		"expires_at": float64(now.Add(s.validity).Unix()),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}

	s.logger.Info(ctx, "issued backup credentials", "account", accountID)
	return out, nil
}
