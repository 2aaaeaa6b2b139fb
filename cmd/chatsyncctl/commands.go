package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/netstate"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/timeline"
)

var errNoUser = errors.New("no user id: pass --user or set user_id in config.toml")

func (e *env) sessionConfig() conversation.Config {
	s := e.cfg.Sync.WithDefaults()
	return conversation.Config{
		Reconcile: reconcile.Config{
			TailLimit:           s.LiveTailLimit,
			PageSize:            s.PageSize,
			BackfillAttempts:    s.BackfillAttempts,
			ResubscribeInterval: s.ResubscribeInterval(),
		},
		Outbox: outbox.Config{RetryInterval: s.RetryInterval()},
		Online: true,
	}
}

func (e *env) notifyConfig() notify.Config {
	s := e.cfg.Sync.WithDefaults()
	return notify.Config{
		TailLimit:           s.NotifyTailLimit,
		ResubscribeInterval: s.ResubscribeInterval(),
	}
}

// open starts a session whose connectivity follows the daemon connection.
func (e *env) open(ctx context.Context, conversationID string) (*conversation.Session, *bus.Bus, error) {
	if e.userID == "" {
		return nil, nil, errNoUser
	}
	b := bus.New()
	mon := netstate.NewMonitor(b, true, e.logger)
	go mon.Watch(ctx, e.client.Conn())
	s := conversation.Open(ctx, conversationID, e.userID, e.client, b, e.sessionConfig(), e.logger)
	return s, b, nil
}

func cmdCreate(ctx context.Context, e *env, id, title string, members []string) error {
	if err := e.client.CreateConversation(ctx, id, title, members); err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(map[string]any{"id": id, "title": title, "members": members})
		return nil
	}
	fmt.Printf("Created %s (%s) with %d members\n", id, title, len(members))
	return nil
}

func cmdMembers(ctx context.Context, e *env, id string, members []string) error {
	if err := e.client.SetMembers(ctx, id, members); err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(map[string]any{"id": id, "members": members})
		return nil
	}
	fmt.Printf("Members of %s: %v\n", id, members)
	return nil
}

func cmdSend(ctx context.Context, e *env, conversationID, text, mediaPath string) error {
	s, _, err := e.open(ctx, conversationID)
	if err != nil {
		return err
	}
	defer s.Close()

	var tempID string
	if mediaPath != "" {
		data, err := os.ReadFile(mediaPath)
		if err != nil {
			return fmt.Errorf("read media: %w", err)
		}
		tempID, err = s.SendMedia(text, timeline.Media{
			Name:        filepath.Base(mediaPath),
			ContentType: mime.TypeByExtension(filepath.Ext(mediaPath)),
			Data:        data,
		})
		if err != nil {
			return err
		}
	} else {
		tempID, err = s.Send(text)
		if err != nil {
			return err
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.WaitDrained(waitCtx); err != nil {
		return fmt.Errorf("message %s not delivered: %w", tempID, err)
	}
	if e.jsonOut {
		outputJSON(map[string]any{"temp_id": tempID, "delivered": true})
		return nil
	}
	fmt.Printf("Delivered %s\n", tempID)
	return nil
}

func cmdTail(ctx context.Context, e *env, conversationID string) error {
	s, b, err := e.open(ctx, conversationID)
	if err != nil {
		return err
	}
	defer s.Close()

	events, unsub := b.Subscribe("", 64)
	defer unsub()

	render := func() {
		v := s.Snapshot()
		if e.jsonOut {
			outputJSON(v)
		} else {
			renderView(os.Stdout, v, e.userID)
		}
		if n := len(v.Items); n > 0 && !v.Items[n-1].Pending {
			s.SetViewport(v.Items[n-1].Message.ID, true)
		}
	}

	render()
	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case bus.KindTimelineChanged, bus.KindStreamStatus:
				render()
			}
		case <-s.Done():
			return s.Err()
		case <-ctx.Done():
			return nil
		}
	}
}

func cmdHistory(ctx context.Context, e *env, conversationID string, pages int) error {
	s, b, err := e.open(ctx, conversationID)
	if err != nil {
		return err
	}
	defer s.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := waitLive(waitCtx, s, b); err != nil {
		return err
	}
	for range pages {
		if s.Snapshot().Exhausted {
			break
		}
		if err := s.LoadOlder(waitCtx); err != nil {
			return fmt.Errorf("load older: %w", err)
		}
	}

	v := s.Snapshot()
	if e.jsonOut {
		outputJSON(v)
		return nil
	}
	renderView(os.Stdout, v, e.userID)
	return nil
}

func waitLive(ctx context.Context, s *conversation.Session, b *bus.Bus) error {
	events, unsub := b.Subscribe(bus.KindStreamStatus, 16)
	defer unsub()
	for s.Snapshot().Status != status.Live {
		select {
		case <-events:
		case <-s.Done():
			if err := s.Err(); err != nil {
				return err
			}
			return conversation.ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("conversation did not go live: %w", ctx.Err())
		}
	}
	return nil
}

func cmdAlerts(ctx context.Context, e *env) error {
	if e.userID == "" {
		return errNoUser
	}
	m := notify.NewManager(e.userID, e.client, bus.New(), e.notifyConfig(), e.logger)
	m.Start(ctx)
	defer m.Close()

	for {
		select {
		case a := <-m.Alerts():
			if e.jsonOut {
				outputJSON(a)
				continue
			}
			fmt.Println(formatAlert(a))
		case <-ctx.Done():
			return nil
		}
	}
}
