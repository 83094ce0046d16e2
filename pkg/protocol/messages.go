package protocol

// Request payloads (client → server).

// LoginRequest authenticates an existing user.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// JoinChannelRequest moves the session into a channel.
type JoinChannelRequest struct {
	Channel string `json:"channel"`
}

// SendMessageRequest posts a message to the session's current channel.
type SendMessageRequest struct {
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
}

// CreateChannelRequest creates a new persisted channel.
type CreateChannelRequest struct {
	Name string `json:"name"`
}

// Response and notification payloads (server → client).

// User is the client-visible snapshot of an account. It never carries the
// password hash.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Status   string `json:"status"`
}

// LoginOK confirms authentication and carries the user snapshot.
type LoginOK struct {
	User User `json:"user"`
}

// LoginFailed reports an authentication failure. The message never reveals
// whether the username exists.
type LoginFailed struct {
	Message string `json:"message"`
}

// RegisterOK carries the id of the newly created account.
type RegisterOK struct {
	UserID int64 `json:"user_id"`
}

// RegisterFailed reports a registration failure, naming the conflicting
// field when a uniqueness constraint was violated.
type RegisterFailed struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ChannelJoined confirms a membership change.
type ChannelJoined struct {
	ChannelID int64  `json:"channel_id"`
	Channel   string `json:"channel"`
}

// Message is one chat message as seen on the wire.
type Message struct {
	ID      int64  `json:"id"`
	Channel string `json:"channel"`
	Author  string `json:"author"`
	Content string `json:"content"`
	Image   string `json:"image,omitempty"`
	SentAt  int64  `json:"sent_at"` // Unix milliseconds
	Edited  bool   `json:"edited"`  // reserved, never set by the server
}

// MessageHistory carries a channel's recent messages, oldest first.
type MessageHistory struct {
	Channel  string    `json:"channel"`
	Messages []Message `json:"messages"`
}

// UserJoined notifies channel members that a user joined.
type UserJoined struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
}

// UserLeft notifies channel members that a user left or disconnected.
type UserLeft struct {
	Channel  string `json:"channel"`
	Username string `json:"username"`
}

// ChannelCreated confirms channel creation and carries its identity.
type ChannelCreated struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ErrorPayload is the generic error response. RequestType echoes the type
// discriminator of the request that failed.
type ErrorPayload struct {
	RequestType string `json:"request_type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}
