package lookup

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects lazily; the first Lookup establishes the connection. Plaintext
// is the default, callers override it through opts.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("lookup: dial %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Lookup returns ErrUserNotFound when the authoritative service has no such
// user. Deadlines come from ctx.
func (c *Client) Lookup(ctx context.Context, userID string) (string, error) {
	out := new(wrapperspb.StringValue)
	err := c.cc.Invoke(ctx, GetUsernameMethod, wrapperspb.String(userID), out)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("lookup: get username %s: %w", userID, err)
	}
	return out.GetValue(), nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
