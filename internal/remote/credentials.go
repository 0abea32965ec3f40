package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Credentials authorize object store requests for one account.
type Credentials struct {
	Token     string
	CdnNumber uint32
	ExpiresAt time.Time
}

// refreshMargin is how long before expiry a cached credential is renewed.
const refreshMargin = time.Minute

// CredentialsClient fetches backup credentials over gRPC and caches them
// until shortly before they expire. It implements TokenSource.
type CredentialsClient struct {
	conn        *grpc.ClientConn
	accessToken string
	now         func() time.Time

	mu     sync.Mutex
	cached Credentials
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(common.AccessTokenHeaderName, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *CredentialsClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(withAccessToken(ctx, c.accessToken), method, req, reply, cc, opts...)
}

// NewCredentialsClient connects to the credentials service at target.
// Extra dial options are appended after the defaults.
func NewCredentialsClient(target, accessToken string, opts ...grpc.DialOption) (*CredentialsClient, error) {
	c := &CredentialsClient{accessToken: accessToken, now: time.Now}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Refresh always asks the service for new credentials.
func (c *CredentialsClient) Refresh(ctx context.Context) (Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, common.GetCredentialsMethod, &emptypb.Empty{}, out); err != nil {
		return Credentials{}, fmt.Errorf("get credentials: %w", err)
	}

	creds, err := credentialsFromStruct(out)
	if err != nil {
		return Credentials{}, err
	}

	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
	return creds, nil
}

// Token returns the cached credential token, refreshing it when it is about
// to expire.
func (c *CredentialsClient) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.cached
	c.mu.Unlock()

	if cached.Token != "" && c.now().Add(refreshMargin).Before(cached.ExpiresAt) {
		return cached.Token, nil
	}
	creds, err := c.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return creds.Token, nil
}

func (c *CredentialsClient) Close() error {
	return c.conn.Close()
}

func credentialsFromStruct(s *structpb.Struct) (Credentials, error) {
	fields := s.GetFields()
	token := fields["token"].GetStringValue()
	if token == "" {
		return Credentials{}, fmt.Errorf("get credentials: %w: empty token", common.ErrInvalidToken)
	}

	creds := Credentials{
		Token:     token,
		CdnNumber: uint32(fields["cdn_number"].GetNumberValue()),
	}

	// the token is opaque to us except for its expiry
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil && claims.ExpiresAt != nil {
		creds.ExpiresAt = claims.ExpiresAt.Time
	} else if secs := fields["expires_at"].GetNumberValue(); secs > 0 {
		creds.ExpiresAt = time.Unix(int64(secs), 0)
	}
	return creds, nil
}
