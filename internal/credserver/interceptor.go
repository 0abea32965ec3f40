package credserver

import (
	"context"
	"errors"
	"strings"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const accountIDKey ctxKey = "accountID"

func accountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(accountIDKey).(string)
	return id, ok && id != ""
}

// accessTokenInterceptor authenticates every call to the credentials
// service and stores the account id in the context.
func (s *Server) accessTokenInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+common.CredentialsServiceName+"/") {
		return handler(ctx, req)
	}

	var accessToken string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
			accessToken = values[0]
		}
	}
	if accessToken == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	claims, err := ParseToken(accessToken, s.jwtSecret, ScopeAccess)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return nil, status.Error(codes.Unauthenticated, common.ErrTokenExpired.Error())
		}
		return nil, status.Error(codes.Unauthenticated, common.ErrInvalidToken.Error())
	}

	return handler(context.WithValue(ctx, accountIDKey, claims.AccountID), req)
}
