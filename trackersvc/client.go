package trackersvc

import (
	"context"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a minimal gRPC JSON client for the tracker Control stream.
type Client struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
}

// Dial opens a stream to a tracker service listening at addr: a unix:
// socket address in the form accepted by Serve, or otherwise a TCP
// host:port. The npipe: form is not handled.
func Dial(ctx context.Context, addr string) (*Client, error) {
	dialAddr := addr
	dialer := func(ctx context.Context, target string) (net.Conn, error) {
		switch {
		case strings.HasPrefix(target, "unix:"):
			path := strings.TrimPrefix(target, "unix:")
			path = strings.TrimPrefix(path, "//")
			return (&net.Dialer{}).DialContext(ctx, "unix", path)
		default:
			return (&net.Dialer{}).DialContext(ctx, "tcp", target)
		}
	}

	conn, err := grpc.NewClient(
		dialAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, err
	}

	stream, err := conn.NewStream(ctx, &controlServiceDesc.Streams[0], "/diarization.Tracker/Stream")
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, stream: stream}, nil
}

// Call sends req and waits up to timeout for the matching response.
func (c *Client) Call(req Request, timeout time.Duration) (*Response, error) {
	if err := c.stream.SendMsg(&req); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	respCh := make(chan error, 1)
	resp := new(Response)
	go func() { respCh <- c.stream.RecvMsg(resp) }()
	select {
	case err := <-respCh:
		if err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the client's stream and connection.
func (c *Client) Close() {
	_ = c.stream.CloseSend()
	_ = c.conn.Close()
}
