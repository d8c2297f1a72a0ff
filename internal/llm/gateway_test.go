package llm

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// gatewayServer is the handler type for the hand-written service descriptor.
type gatewayServer interface {
	complete(prompt string) (string, error)
}

type echoGateway struct{}

func (echoGateway) complete(prompt string) (string, error) {
	return `{"echo": "` + prompt + `"}`, nil
}

var testGatewayDesc = grpc.ServiceDesc{
	ServiceName: GatewayService,
	HandlerType: (*gatewayServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Complete",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			req := &structpb.Struct{}
			if err := dec(req); err != nil {
				return nil, err
			}
			text, err := srv.(gatewayServer).complete(req.GetFields()["prompt"].GetStringValue())
			if err != nil {
				return nil, err
			}
			return structpb.NewStruct(map[string]any{"text": text})
		},
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamComplete",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			req := &structpb.Struct{}
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			text, err := srv.(gatewayServer).complete(req.GetFields()["prompt"].GetStringValue())
			if err != nil {
				return err
			}
			for _, r := range text {
				msg, err := structpb.NewStruct(map[string]any{"token": string(r)})
				if err != nil {
					return err
				}
				if err := stream.SendMsg(msg); err != nil {
					return err
				}
			}
			return nil
		},
	}},
}

func startTestGateway(t *testing.T) *Gateway {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&testGatewayDesc, echoGateway{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	gw, err := NewGateway(GatewayConfig{Address: "passthrough:///bufnet"}, slog.Default(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	return gw
}

func TestGatewayCompleteText(t *testing.T) {
	gw := startTestGateway(t)

	text, err := gw.CompleteText(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"echo": "hello"}`, text)
}

func TestGatewayStreamTextPreservesOrder(t *testing.T) {
	gw := startTestGateway(t)

	var b strings.Builder
	text, err := gw.StreamText(context.Background(), "你好", func(tok string) error {
		b.WriteString(tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, `{"echo": "你好"}`, text)
	assert.Equal(t, text, b.String())
}
