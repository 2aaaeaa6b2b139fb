package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.DocumentStore"

// Method names.
const (
	MethodSubscribeLiveTail   = "SubscribeLiveTail"
	MethodQueryOlderPage      = "QueryOlderPage"
	MethodQueryRange          = "QueryRange"
	MethodWriteMessage        = "WriteMessage"
	MethodUploadMedia         = "UploadMedia"
	MethodReadReadCursor      = "ReadReadCursor"
	MethodWriteReadCursor     = "WriteReadCursor"
	MethodListReadCursors     = "ListReadCursors"
	MethodSubscribeMembership = "SubscribeMembership"
	MethodCreateConversation  = "CreateConversation"
	MethodSetMembers          = "SetMembers"
	MethodDeleteConversation  = "DeleteConversation"
)

// FullMethod returns the path of a method, e.g. "/chatsync.v1.DocumentStore/QueryRange".
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// DocumentStoreServer is implemented by the daemon's document service.
type DocumentStoreServer interface {
	SubscribeLiveTail(*SubscribeLiveTailRequest, grpc.ServerStreamingServer[BatchResponse]) error
	QueryOlderPage(context.Context, *QueryOlderPageRequest) (*BatchResponse, error)
	QueryRange(context.Context, *QueryRangeRequest) (*BatchResponse, error)
	WriteMessage(context.Context, *WriteMessageRequest) (*WriteMessageResponse, error)
	UploadMedia(context.Context, *UploadMediaRequest) (*UploadMediaResponse, error)
	ReadReadCursor(context.Context, *ReadReadCursorRequest) (*ReadReadCursorResponse, error)
	WriteReadCursor(context.Context, *WriteReadCursorRequest) (*Empty, error)
	ListReadCursors(context.Context, *ListReadCursorsRequest) (*ListReadCursorsResponse, error)
	SubscribeMembership(*SubscribeMembershipRequest, grpc.ServerStreamingServer[MembershipResponse]) error
	CreateConversation(context.Context, *CreateConversationRequest) (*Empty, error)
	SetMembers(context.Context, *SetMembersRequest) (*Empty, error)
	DeleteConversation(context.Context, *DeleteConversationRequest) (*Empty, error)
}

// RegisterDocumentStoreServer registers srv on s.
func RegisterDocumentStoreServer(s grpc.ServiceRegistrar, srv DocumentStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the DocumentStore service. Messages travel in the
// json codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DocumentStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodQueryOlderPage, DocumentStoreServer.QueryOlderPage),
		unary(MethodQueryRange, DocumentStoreServer.QueryRange),
		unary(MethodWriteMessage, DocumentStoreServer.WriteMessage),
		unary(MethodUploadMedia, DocumentStoreServer.UploadMedia),
		unary(MethodReadReadCursor, DocumentStoreServer.ReadReadCursor),
		unary(MethodWriteReadCursor, DocumentStoreServer.WriteReadCursor),
		unary(MethodListReadCursors, DocumentStoreServer.ListReadCursors),
		unary(MethodCreateConversation, DocumentStoreServer.CreateConversation),
		unary(MethodSetMembers, DocumentStoreServer.SetMembers),
		unary(MethodDeleteConversation, DocumentStoreServer.DeleteConversation),
	},
	Streams: []grpc.StreamDesc{
		serverStream(MethodSubscribeLiveTail, DocumentStoreServer.SubscribeLiveTail),
		serverStream(MethodSubscribeMembership, DocumentStoreServer.SubscribeMembership),
	},
	Metadata: "chatsync/v1/document_store",
}

func unary[Req, Res any](name string, call func(DocumentStoreServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(DocumentStoreServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func serverStream[Req, Res any](name string, call func(DocumentStoreServer, *Req, grpc.ServerStreamingServer[Res]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName: name,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(DocumentStoreServer), in, &grpc.GenericServerStream[Req, Res]{ServerStream: stream})
		},
		ServerStreams: true,
	}
}
