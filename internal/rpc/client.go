package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/timeline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to chatsyncd over its unix socket and implements
// remote.Store.
type Client struct {
	conn *grpc.ClientConn
}

var _ remote.Store = (*Client)(nil)

// Dial creates a client for the daemon listening on socketPath. The
// connection is established lazily.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, append(DialOptions(), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", socketPath, err)
	}
	return New(conn), nil
}

// DialOptions are the options every chatsync connection needs.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
}

// New wraps an existing connection dialed with DialOptions.
func New(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Conn returns the underlying connection; netstate.Monitor watches it.
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return FromStatus(c.conn.Invoke(ctx, FullMethod(method), in, out))
}

// SubscribeLiveTail opens the live tail of a conversation.
func (c *Client) SubscribeLiveTail(ctx context.Context, conversationID string, limit int) (<-chan remote.TailEvent, error) {
	stream, err := openStream[SubscribeLiveTailRequest, BatchResponse](ctx, c.conn, &ServiceDesc.Streams[0],
		&SubscribeLiveTailRequest{ConversationID: conversationID, Limit: limit})
	if err != nil {
		return nil, err
	}
	ch := make(chan remote.TailEvent, 1)
	go func() {
		defer close(ch)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					ch <- remote.TailEvent{Err: streamErr(err)}
				}
				return
			}
			select {
			case ch <- remote.TailEvent{Batch: resp.batch()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// SubscribeMembership opens the membership listing of a user.
func (c *Client) SubscribeMembership(ctx context.Context, userID string) (<-chan remote.MembershipEvent, error) {
	stream, err := openStream[SubscribeMembershipRequest, MembershipResponse](ctx, c.conn, &ServiceDesc.Streams[1],
		&SubscribeMembershipRequest{UserID: userID})
	if err != nil {
		return nil, err
	}
	ch := make(chan remote.MembershipEvent, 1)
	go func() {
		defer close(ch)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if ctx.Err() == nil {
					ch <- remote.MembershipEvent{Err: streamErr(err)}
				}
				return
			}
			select {
			case ch <- remote.MembershipEvent{Conversations: resp.summaries()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func openStream[Req, Res any](ctx context.Context, conn *grpc.ClientConn, desc *grpc.StreamDesc, in *Req) (grpc.ServerStreamingClient[Res], error) {
	stream, err := conn.NewStream(ctx, desc, FullMethod(desc.StreamName))
	if err != nil {
		return nil, FromStatus(err)
	}
	x := &grpc.GenericClientStream[Req, Res]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, FromStatus(err)
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, FromStatus(err)
	}
	return x, nil
}

// streamErr treats a stream the server ended cleanly as a transient loss.
func streamErr(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: stream ended", remote.ErrUnavailable)
	}
	return FromStatus(err)
}

// QueryOlderPage returns up to limit messages older than before.
func (c *Client) QueryOlderPage(ctx context.Context, conversationID string, before remote.Cursor, limit int) (remote.Batch, error) {
	var resp BatchResponse
	err := c.invoke(ctx, MethodQueryOlderPage, &QueryOlderPageRequest{
		ConversationID:  conversationID,
		BeforeID:        before.ID,
		BeforeTimestamp: before.Timestamp,
		Limit:           limit,
	}, &resp)
	if err != nil {
		return remote.Batch{}, err
	}
	return resp.batch(), nil
}

// QueryRange returns up to limit messages newer than afterTimestamp, oldest
// first.
func (c *Client) QueryRange(ctx context.Context, conversationID string, afterTimestamp int64, limit int) (remote.Batch, error) {
	var resp BatchResponse
	err := c.invoke(ctx, MethodQueryRange, &QueryRangeRequest{
		ConversationID: conversationID,
		AfterTimestamp: afterTimestamp,
		Limit:          limit,
	}, &resp)
	if err != nil {
		return remote.Batch{}, err
	}
	return resp.batch(), nil
}

// WriteMessage persists a message and returns the stored record.
func (c *Client) WriteMessage(ctx context.Context, conversationID string, req remote.WriteRequest) (timeline.Message, error) {
	var resp WriteMessageResponse
	err := c.invoke(ctx, MethodWriteMessage, &WriteMessageRequest{
		ConversationID:  conversationID,
		ClientID:        req.ClientID,
		SenderID:        req.SenderID,
		Text:            req.Text,
		MediaRef:        req.MediaRef,
		ClientTimestamp: req.ClientTimestamp,
	}, &resp)
	if err != nil {
		return timeline.Message{}, err
	}
	return resp.Message.Timeline(), nil
}

// UploadMedia stores media and returns its reference.
func (c *Client) UploadMedia(ctx context.Context, conversationID string, media timeline.Media) (string, error) {
	var resp UploadMediaResponse
	err := c.invoke(ctx, MethodUploadMedia, &UploadMediaRequest{
		ConversationID: conversationID,
		Name:           media.Name,
		ContentType:    media.ContentType,
		Data:           media.Data,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// ReadReadCursor returns the user's read cursor, or nil when none is stored.
func (c *Client) ReadReadCursor(ctx context.Context, conversationID, userID string) (*remote.ReadCursor, error) {
	var resp ReadReadCursorResponse
	err := c.invoke(ctx, MethodReadReadCursor, &ReadReadCursorRequest{ConversationID: conversationID, UserID: userID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Cursor.remote(), nil
}

// WriteReadCursor stores the user's read cursor.
func (c *Client) WriteReadCursor(ctx context.Context, conversationID, userID string, rc remote.ReadCursor) error {
	return c.invoke(ctx, MethodWriteReadCursor, &WriteReadCursorRequest{
		ConversationID: conversationID,
		UserID:         userID,
		Cursor:         ReadCursor{MessageID: rc.MessageID, Timestamp: rc.Timestamp},
	}, &Empty{})
}

// ListReadCursors returns every member with their read cursor.
func (c *Client) ListReadCursors(ctx context.Context, conversationID string) ([]remote.MemberCursor, error) {
	var resp ListReadCursorsResponse
	if err := c.invoke(ctx, MethodListReadCursors, &ListReadCursorsRequest{ConversationID: conversationID}, &resp); err != nil {
		return nil, err
	}
	out := make([]remote.MemberCursor, len(resp.Members))
	for i, mc := range resp.Members {
		out[i] = remote.MemberCursor{UserID: mc.UserID, Cursor: mc.Cursor.remote()}
	}
	return out, nil
}

// CreateConversation creates a conversation with its members.
func (c *Client) CreateConversation(ctx context.Context, id, title string, members []string) error {
	return c.invoke(ctx, MethodCreateConversation, &CreateConversationRequest{ID: id, Title: title, Members: members}, &Empty{})
}

// SetMembers replaces the member set of a conversation.
func (c *Client) SetMembers(ctx context.Context, id string, members []string) error {
	return c.invoke(ctx, MethodSetMembers, &SetMembersRequest{ID: id, Members: members}, &Empty{})
}

// DeleteConversation removes a conversation and everything in it.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.invoke(ctx, MethodDeleteConversation, &DeleteConversationRequest{ID: id}, &Empty{})
}
