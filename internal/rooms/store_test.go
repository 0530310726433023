package rooms

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRecentMessagesReturnsOldestFirstWithinLimit(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	for index := 0; index < 5; index++ {
		if _, err := store.SaveMessage(ctx, MessageDraft{RoomID: "batch_2024_cse", SenderID: "u1", Content: fmt.Sprintf("m%d", index), Year: 2024, Branch: "cse"}); err != nil {
			t.Fatalf("save message %d: %v", index, err)
		}
	}
	if _, err := store.SaveMessage(ctx, MessageDraft{RoomID: "batch_2024_ece", SenderID: "u2", Content: "elsewhere", Year: 2024, Branch: "ece"}); err != nil {
		t.Fatalf("save foreign message: %v", err)
	}

	messages, err := store.RecentMessages(ctx, "batch_2024_cse", 3)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for index, want := range []string{"m2", "m3", "m4"} {
		if messages[index].Content != want {
			t.Fatalf("message %d: expected %q, got %q", index, want, messages[index].Content)
		}
	}
}

func TestClampHistoryLimit(t *testing.T) {
	testCases := []struct {
		name  string
		input int
		want  int
	}{
		{name: "zero uses default", input: 0, want: defaultHistoryLimit},
		{name: "negative uses default", input: -4, want: defaultHistoryLimit},
		{name: "within range", input: 20, want: 20},
		{name: "capped", input: 500, want: maxHistoryLimit},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := clampHistoryLimit(testCase.input); got != testCase.want {
				t.Fatalf("expected %d, got %d", testCase.want, got)
			}
		})
	}
}

func TestCreateChannelRejectsDuplicateNames(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	if _, err := store.CreateChannel(ctx, ChannelDraft{Name: "Robotics", OwnerID: "u1"}); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := store.CreateChannel(ctx, ChannelDraft{Name: "robotics", OwnerID: "u2"}); !errors.Is(err, ErrChannelNameTaken) {
		t.Fatalf("expected ErrChannelNameTaken, got %v", err)
	}
	if _, err := store.CreateChannel(ctx, ChannelDraft{Name: "   ", OwnerID: "u2"}); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expected ErrInvalidChannel, got %v", err)
	}
}

func TestDeleteChannelSkipsDefaultRoomsAndRemovesMessages(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	general, err := store.CreateChannel(ctx, ChannelDraft{Name: "general", OwnerID: "system", IsDefault: true})
	if err != nil {
		t.Fatalf("create default channel: %v", err)
	}
	robotics, err := store.CreateChannel(ctx, ChannelDraft{Name: "robotics", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := store.SaveMessage(ctx, MessageDraft{RoomID: robotics.ID, SenderID: "u1", Content: "hi", Year: 2024, Branch: "cse"}); err != nil {
		t.Fatalf("save message: %v", err)
	}

	deleted, err := store.DeleteChannel(ctx, general.ID)
	if err != nil || deleted {
		t.Fatalf("expected default channel to survive, deleted=%v err=%v", deleted, err)
	}
	deleted, err = store.DeleteChannel(ctx, robotics.ID)
	if err != nil || !deleted {
		t.Fatalf("expected channel deletion, deleted=%v err=%v", deleted, err)
	}
	if _, err := store.GetChannel(ctx, robotics.ID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound after delete, got %v", err)
	}
	messages, err := store.RecentMessages(ctx, robotics.ID, 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected messages removed with channel, got %d", len(messages))
	}
	deleted, err = store.DeleteChannel(ctx, robotics.ID)
	if err != nil || deleted {
		t.Fatalf("expected second delete to be a no-op, deleted=%v err=%v", deleted, err)
	}
}

func TestListIdleChannelsUsesLastActivity(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	store := newTestStore(t, clock)
	ctx := context.Background()

	stale, err := store.CreateChannel(ctx, ChannelDraft{Name: "stale", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	active, err := store.CreateChannel(ctx, ChannelDraft{Name: "active", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("create active: %v", err)
	}
	if _, err := store.CreateChannel(ctx, ChannelDraft{Name: "general", OwnerID: "system", IsDefault: true}); err != nil {
		t.Fatalf("create default: %v", err)
	}

	current = current.Add(90 * time.Minute)
	if err := store.TouchChannel(ctx, active.ID); err != nil {
		t.Fatalf("touch active: %v", err)
	}

	idle, err := store.ListIdleChannels(ctx, current.Add(-60*time.Minute))
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != stale.ID {
		t.Fatalf("expected only the stale channel, got %+v", idle)
	}
	if err := store.TouchChannel(ctx, "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound touching unknown channel, got %v", err)
	}
}
