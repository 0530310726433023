package rooms

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/batchline/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/batchline/backend/internal/serviceerr"
	"go.uber.org/zap"
)

const channelHistoryLimit = 50

// CreateChannel persists a community room and starts tracking it as empty.
func (r *Router) CreateChannel(ctx context.Context, draft ChannelDraft) (ChannelPayload, error) {
	channel, err := r.channels.CreateChannel(ctx, draft)
	if err != nil {
		if errors.Is(err, ErrInvalidChannel) || errors.Is(err, ErrChannelNameTaken) {
			return ChannelPayload{}, err
		}
		r.logError(operationCreateChannel, "persist_failed", err)
		return ChannelPayload{}, serviceerr.New(operationCreateChannel, "persist_failed", err)
	}
	if !channel.IsDefault {
		r.registry.TrackRoom(channel.ID)
	}
	return channelPayload(channel, 0), nil
}

// ListChannels returns every community room with its live member count.
func (r *Router) ListChannels(ctx context.Context) ([]ChannelPayload, error) {
	channels, err := r.channels.ListChannels(ctx)
	if err != nil {
		r.logError(operationListChannels, "query_failed", err)
		return nil, serviceerr.New(operationListChannels, "query_failed", err)
	}
	payloads := make([]ChannelPayload, 0, len(channels))
	for _, channel := range channels {
		payloads = append(payloads, channelPayload(channel, r.registry.MemberCount(channel.ID)))
	}
	return payloads, nil
}

// JoinChannel records activity, adds the connection to the community room and
// announces the new member list. The returned snapshot is for the joiner.
func (r *Router) JoinChannel(ctx context.Context, conn presence.Conn, channelID string) (ChannelSnapshot, error) {
	if channelID == "" || IsBatchRoom(channelID) {
		return ChannelSnapshot{}, ErrRoomNotFound
	}
	channel, err := r.channels.GetChannel(ctx, channelID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return ChannelSnapshot{}, ErrRoomNotFound
		}
		r.logError(operationJoinChannel, "lookup_failed", err, zap.String("room_id", channelID))
		return ChannelSnapshot{}, serviceerr.New(operationJoinChannel, "lookup_failed", err)
	}
	if err := r.channels.TouchChannel(ctx, channel.ID); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return ChannelSnapshot{}, ErrRoomNotFound
		}
		r.logError(operationJoinChannel, "touch_failed", err, zap.String("room_id", channelID))
		return ChannelSnapshot{}, serviceerr.New(operationJoinChannel, "touch_failed", err)
	}

	ref := presence.RoomRef{ID: channel.ID, Reclaimable: !channel.IsDefault}
	if _, err := r.registry.JoinRoom(conn.ID(), ref); err != nil {
		if errors.Is(err, presence.ErrRoomRetired) {
			return ChannelSnapshot{}, ErrRoomNotFound
		}
		return ChannelSnapshot{}, err
	}

	history, err := r.History(ctx, channel.ID, channelHistoryLimit)
	if err != nil {
		history = []MessagePayload{}
	}
	members := r.BroadcastMemberList(ctx, channel.ID)
	return ChannelSnapshot{
		ChannelID:   channel.ID,
		Name:        channel.Name,
		Description: channel.Description,
		Members:     members.Members,
		Messages:    history,
	}, nil
}

// LeaveChannel removes the connection from the community room.
func (r *Router) LeaveChannel(ctx context.Context, conn presence.Conn, channelID string) error {
	if _, err := r.registry.LeaveRoom(conn.ID(), channelID); err != nil {
		if errors.Is(err, presence.ErrNotAMember) {
			return ErrNotAMember
		}
		return err
	}
	if err := r.channels.TouchChannel(ctx, channelID); err != nil && !errors.Is(err, ErrRoomNotFound) {
		r.logError(operationLeaveChannel, "touch_failed", err, zap.String("room_id", channelID))
	}
	r.BroadcastMemberList(ctx, channelID)
	return nil
}

// Disconnected announces new member lists for community rooms the closing
// connection's user vacated.
func (r *Router) Disconnected(ctx context.Context, vacated []string) {
	for _, roomID := range vacated {
		if IsBatchRoom(roomID) {
			continue
		}
		r.BroadcastMemberList(ctx, roomID)
	}
}

// BroadcastMemberList sends the room's current member list to its members.
func (r *Router) BroadcastMemberList(ctx context.Context, roomID string) MemberListPayload {
	payload := MemberListPayload{
		ChannelID: roomID,
		Members:   r.directory.Summaries(ctx, r.registry.MembersOf(roomID)),
	}
	r.registry.Broadcast(roomID, presence.Event{Name: presence.EventMemberList, Data: payload}, "")
	return payload
}

func channelPayload(channel Channel, members int) ChannelPayload {
	return ChannelPayload{
		ID:          channel.ID,
		Name:        channel.Name,
		Description: channel.Description,
		OwnerID:     channel.OwnerID,
		IsDefault:   channel.IsDefault,
		Members:     members,
		CreatedAt:   channel.CreatedAt,
	}
}
