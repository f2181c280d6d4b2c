package grpcconn_test

import (
	"context"
	"encoding/base64"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/krawall/krawall/connector-runtime/internal/connector/grpcconn"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

// chatDescriptorSet builds a minimal chat service descriptor:
//
//	service ChatService { rpc Send(SendRequest) returns (SendReply); }
func chatDescriptorSet(t *testing.T) (*descriptorpb.FileDescriptorSet, protoreflect.ServiceDescriptor) {
	t.Helper()
	file := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("chat.proto"),
		Package: proto.String("chat"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("SendRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{{
					Name:   proto.String("text"),
					Number: proto.Int32(1),
					Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
					Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				}},
			},
			{
				Name: proto.String("SendReply"),
				Field: []*descriptorpb.FieldDescriptorProto{{
					Name:   proto.String("reply"),
					Number: proto.Int32(1),
					Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
					Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
				}},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("ChatService"),
			Method: []*descriptorpb.MethodDescriptorProto{{
				Name:       proto.String("Send"),
				InputType:  proto.String(".chat.SendRequest"),
				OutputType: proto.String(".chat.SendReply"),
			}},
		}},
	}
	set := &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{file}}

	files, err := protodesc.NewFiles(set)
	require.NoError(t, err)
	desc, err := files.FindDescriptorByName("chat.ChatService")
	require.NoError(t, err)
	return set, desc.(protoreflect.ServiceDescriptor)
}

func grpcTarget(t *testing.T, endpoint string) *models.Target {
	set, _ := chatDescriptorSet(t)
	raw, err := proto.Marshal(set)
	require.NoError(t, err)

	return &models.Target{
		ID:       "t-grpc",
		Kind:     models.ConnectorGRPC,
		Endpoint: endpoint,
		RequestTemplate: &models.RequestTemplate{
			MessagePath: "text",
			Structure:   map[string]interface{}{"text": ""},
		},
		ResponseTemplate: &models.ResponseTemplate{ResponsePath: "reply"},
		Protocol: &models.ProtocolConfig{
			GRPC: &models.GRPCProtocolConfig{
				DescriptorSet: base64.StdEncoding.EncodeToString(raw),
				Service:       "chat.ChatService",
				Method:        "Send",
				Plaintext:     true,
			},
		},
	}
}

// chatServer registers a dynamic handler for chat.ChatService/Send that
// echoes the request text.
func chatServer(t *testing.T, svc protoreflect.ServiceDescriptor) string {
	t.Helper()
	method := svc.Methods().ByName("Send")
	input, output := method.Input(), method.Output()

	desc := grpc.ServiceDesc{
		ServiceName: "chat.ChatService",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Send",
			Handler: func(_ interface{}, _ context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := dynamicpb.NewMessage(input)
				if err := dec(req); err != nil {
					return nil, err
				}
				text := req.Get(input.Fields().ByName("text")).String()
				resp := dynamicpb.NewMessage(output)
				resp.Set(output.Fields().ByName("reply"), protoreflect.ValueOfString("pong:"+text))
				return resp, nil
			},
		}},
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	server.RegisterService(&desc, struct{}{})
	go server.Serve(lis)
	t.Cleanup(server.Stop)
	return lis.Addr().String()
}

func TestSendUnaryInvoke(t *testing.T) {
	_, svc := chatDescriptorSet(t)
	addr := chatServer(t, svc)

	c, err := grpcconn.New(grpcTarget(t, addr))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect(context.Background())

	res, err := c.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong:hello", res.Content)
}

func TestNewRejectsUnknownService(t *testing.T) {
	target := grpcTarget(t, "127.0.0.1:0")
	target.Protocol.GRPC.Service = "chat.Missing"
	_, err := grpcconn.New(target)
	require.Error(t, err)
}

func TestNewRejectsUnknownMethod(t *testing.T) {
	target := grpcTarget(t, "127.0.0.1:0")
	target.Protocol.GRPC.Method = "Stream"
	_, err := grpcconn.New(target)
	require.Error(t, err)
}

func TestNewRejectsMissingDescriptor(t *testing.T) {
	target := grpcTarget(t, "127.0.0.1:0")
	target.Protocol.GRPC.DescriptorSet = ""
	_, err := grpcconn.New(target)
	require.Error(t, err)
}
