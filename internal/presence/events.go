package presence

// Outbound event names.
const (
	EventConnected         = "connected"
	EventNewMessage        = "newMessage"
	EventMessageHistory    = "messageHistory"
	EventUserTyping        = "userTyping"
	EventNewChannelMessage = "new_channel_message"
	EventMemberList        = "update_member_list"
	EventChannelJoined     = "channel_joined"
	EventChannelLeft       = "channel_left"
	EventChannelDeleted    = "channel_deleted"
	EventNotification      = "notification:new"
	EventError             = "error"
)
