// Package api implements the gRPC services chatsyncd serves.
package api

import (
	"context"
	"slices"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/docstore"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/timeline"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultTailLimit = 50
	maxLimit         = 500
)

// DocumentService implements the DocumentStore gRPC service over the
// daemon's SQLite store. Streams re-query the store on each change the
// store publishes on the bus.
type DocumentService struct {
	db     *docstore.DB
	bus    *bus.Bus
	logger *zap.Logger
}

var _ rpc.DocumentStoreServer = (*DocumentService)(nil)

// NewDocumentService creates a document service backed by db. db must
// publish its changes on b.
func NewDocumentService(db *docstore.DB, b *bus.Bus, logger *zap.Logger) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentService{db: db, bus: b, logger: logger}
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

func (s *DocumentService) SubscribeLiveTail(req *rpc.SubscribeLiveTailRequest, stream grpc.ServerStreamingServer[rpc.BatchResponse]) error {
	if req.ConversationID == "" {
		return grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	limit := clampLimit(req.Limit, defaultTailLimit)
	ctx := stream.Context()

	// Subscribe before the first query so no write falls in between.
	ch, unsub := s.bus.Subscribe("docstore.", 256)
	defer unsub()

	send := func() error {
		msgs, err := s.db.LatestMessages(ctx, req.ConversationID, limit)
		if err != nil {
			return rpc.ToStatus(err)
		}
		return stream.Send(&rpc.BatchResponse{Messages: rpc.FromMessages(msgs)})
	}
	if err := send(); err != nil {
		return err
	}
	s.logger.Debug("live tail opened", zap.String("conversation_id", req.ConversationID), zap.Int("limit", limit))

	for {
		select {
		case evt := <-ch:
			if !affectsConversation(evt, req.ConversationID) {
				continue
			}
			if err := send(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// affectsConversation matches writes to, and deletion of, conversationID.
func affectsConversation(evt bus.Event, conversationID string) bool {
	if evt.Kind != bus.KindStoreMessage {
		return false
	}
	p, ok := evt.Payload.(docstore.MessageWritten)
	return ok && p.ConversationID == conversationID
}

func (s *DocumentService) SubscribeMembership(req *rpc.SubscribeMembershipRequest, stream grpc.ServerStreamingServer[rpc.MembershipResponse]) error {
	if req.UserID == "" {
		return grpcstatus.Error(codes.InvalidArgument, "user_id is required")
	}
	ctx := stream.Context()

	ch, unsub := s.bus.Subscribe(bus.KindStoreMembership, 64)
	defer unsub()

	send := func() error {
		convs, err := s.db.Conversations(ctx, req.UserID)
		if err != nil {
			return rpc.ToStatus(err)
		}
		return stream.Send(&rpc.MembershipResponse{Conversations: rpc.FromSummaries(convs)})
	}
	if err := send(); err != nil {
		return err
	}

	for {
		select {
		case evt := <-ch:
			p, ok := evt.Payload.(docstore.MembershipChanged)
			if !ok || !slices.Contains(p.UserIDs, req.UserID) {
				continue
			}
			if err := send(); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *DocumentService) QueryOlderPage(ctx context.Context, req *rpc.QueryOlderPageRequest) (*rpc.BatchResponse, error) {
	before := remote.Cursor{ID: req.BeforeID, Timestamp: req.BeforeTimestamp}
	msgs, err := s.db.OlderMessages(ctx, req.ConversationID, before, clampLimit(req.Limit, defaultTailLimit))
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.BatchResponse{Messages: rpc.FromMessages(msgs)}, nil
}

func (s *DocumentService) QueryRange(ctx context.Context, req *rpc.QueryRangeRequest) (*rpc.BatchResponse, error) {
	msgs, err := s.db.MessagesAfter(ctx, req.ConversationID, req.AfterTimestamp, clampLimit(req.Limit, defaultTailLimit))
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.BatchResponse{Messages: rpc.FromMessages(msgs)}, nil
}

func (s *DocumentService) WriteMessage(ctx context.Context, req *rpc.WriteMessageRequest) (*rpc.WriteMessageResponse, error) {
	msg, err := s.db.WriteMessage(ctx, req.ConversationID, remote.WriteRequest{
		ClientID:        req.ClientID,
		SenderID:        req.SenderID,
		Text:            req.Text,
		MediaRef:        req.MediaRef,
		ClientTimestamp: req.ClientTimestamp,
	})
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.WriteMessageResponse{Message: rpc.FromMessage(msg)}, nil
}

func (s *DocumentService) UploadMedia(ctx context.Context, req *rpc.UploadMediaRequest) (*rpc.UploadMediaResponse, error) {
	if len(req.Data) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "media data is required")
	}
	ref, err := s.db.PutMedia(ctx, req.ConversationID, timeline.Media{
		Name:        req.Name,
		ContentType: req.ContentType,
		Data:        req.Data,
	})
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.UploadMediaResponse{Ref: ref}, nil
}

func (s *DocumentService) ReadReadCursor(ctx context.Context, req *rpc.ReadReadCursorRequest) (*rpc.ReadReadCursorResponse, error) {
	rc, err := s.db.ReadCursor(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.ReadReadCursorResponse{Cursor: rpc.FromReadCursor(rc)}, nil
}

func (s *DocumentService) WriteReadCursor(ctx context.Context, req *rpc.WriteReadCursorRequest) (*rpc.Empty, error) {
	rc := remote.ReadCursor{MessageID: req.Cursor.MessageID, Timestamp: req.Cursor.Timestamp}
	if err := s.db.WriteReadCursor(ctx, req.ConversationID, req.UserID, rc); err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.Empty{}, nil
}

func (s *DocumentService) ListReadCursors(ctx context.Context, req *rpc.ListReadCursorsRequest) (*rpc.ListReadCursorsResponse, error) {
	members, err := s.db.ReadCursors(ctx, req.ConversationID)
	if err != nil {
		return nil, rpc.ToStatus(err)
	}
	return &rpc.ListReadCursorsResponse{Members: rpc.FromMemberCursors(members)}, nil
}

func (s *DocumentService) CreateConversation(ctx context.Context, req *rpc.CreateConversationRequest) (*rpc.Empty, error) {
	if req.ID == "" || len(req.Members) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id and members are required")
	}
	if err := s.db.CreateConversation(ctx, req.ID, req.Title, req.Members); err != nil {
		return nil, rpc.ToStatus(err)
	}
	s.logger.Info("conversation created", zap.String("conversation_id", req.ID), zap.Int("members", len(req.Members)))
	return &rpc.Empty{}, nil
}

func (s *DocumentService) SetMembers(ctx context.Context, req *rpc.SetMembersRequest) (*rpc.Empty, error) {
	if err := s.db.SetMembers(ctx, req.ID, req.Members); err != nil {
		return nil, rpc.ToStatus(err)
	}
	s.logger.Info("members updated", zap.String("conversation_id", req.ID), zap.Strings("members", req.Members))
	return &rpc.Empty{}, nil
}

func (s *DocumentService) DeleteConversation(ctx context.Context, req *rpc.DeleteConversationRequest) (*rpc.Empty, error) {
	if err := s.db.DeleteConversation(ctx, req.ID); err != nil {
		return nil, rpc.ToStatus(err)
	}
	s.logger.Info("conversation deleted", zap.String("conversation_id", req.ID))
	return &rpc.Empty{}, nil
}
