package server

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fernwood/parley/pkg/database"
	"github.com/fernwood/parley/pkg/protocol"
)

var channelNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// handleLogin authenticates a session. Failure replies are deliberately
// uniform so a caller can't tell which usernames exist.
func (s *Server) handleLogin(sess *Session, env *protocol.Envelope) error {
	var req protocol.LoginRequest
	if err := env.DecodePayload(&req); err != nil {
		return s.sendError(sess, env.Type, protocol.CodeProtocolError, "Invalid login payload")
	}

	if sess.User() != nil {
		return s.sendError(sess, env.Type, protocol.CodeInvalidInput, "Already logged in")
	}

	if req.Username == "" || req.Password == "" {
		s.metrics.RecordLoginAttempt("failed")
		return s.sendReply(sess, protocol.TypeLoginFailed, protocol.LoginFailed{
			Message: "Invalid username or password",
		})
	}

	user, err := s.db.GetUserByUsername(req.Username)
	if err != nil {
		return fmt.Errorf("login lookup failed: %w", err)
	}

	if user == nil || s.hasher.Compare(user.PasswordHash, req.Password) != nil {
		s.metrics.RecordLoginAttempt("failed")
		return s.sendReply(sess, protocol.TypeLoginFailed, protocol.LoginFailed{
			Message: "Invalid username or password",
		})
	}

	existing, displaced := s.sessions.FindByUsername(user.Username)

	if err := s.db.SetUserStatus(user.ID, database.StatusOnline); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	user.Status = database.StatusOnline
	sess.SetUser(user)

	// A second login for the same user displaces the first connection.
	// This session is authenticated first, so the displaced session's
	// cleanup sees the user still online and leaves the status alone.
	if displaced && existing.ID != sess.ID {
		debugLog.Printf("Session %d displaces session %d for user %s", sess.ID, existing.ID, user.Username)
		existing.Conn.Close()
	}

	s.metrics.RecordLoginAttempt("ok")
	debugLog.Printf("Session %d logged in as %s", sess.ID, user.Username)

	return s.sendReply(sess, protocol.TypeLoginOK, protocol.LoginOK{
		User: protocol.User{
			ID:       user.ID,
			Username: user.Username,
			Email:    user.Email,
			Status:   user.Status,
		},
	})
}

// handleRegister creates a new account. Validation failures and
// uniqueness conflicts are client errors, not server errors.
func (s *Server) handleRegister(sess *Session, env *protocol.Envelope) error {
	var req protocol.RegisterRequest
	if err := env.DecodePayload(&req); err != nil {
		return s.sendError(sess, env.Type, protocol.CodeProtocolError, "Invalid register payload")
	}

	if field, msg := s.validateRegistration(req); field != "" {
		return s.sendReply(sess, protocol.TypeRegisterFailed, protocol.RegisterFailed{
			Field:   field,
			Message: msg,
		})
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.db.CreateUser(req.Username, req.Email, hash)
	switch err {
	case nil:
	case database.ErrUsernameTaken:
		return s.sendReply(sess, protocol.TypeRegisterFailed, protocol.RegisterFailed{
			Field:   "username",
			Message: "Username already taken",
		})
	case database.ErrEmailTaken:
		return s.sendReply(sess, protocol.TypeRegisterFailed, protocol.RegisterFailed{
			Field:   "email",
			Message: "Email already registered",
		})
	default:
		return fmt.Errorf("failed to create user: %w", err)
	}

	debugLog.Printf("Session %d registered user %s", sess.ID, user.Username)

	return s.sendReply(sess, protocol.TypeRegisterOK, protocol.RegisterOK{UserID: user.ID})
}

// Registration only insists on the fields being present; anything
// beyond the username length cap is the user's own business.
func (s *Server) validateRegistration(req protocol.RegisterRequest) (field, msg string) {
	switch {
	case req.Username == "":
		return "username", "Username is required"
	case len(req.Username) > s.config.MaxUsernameLength:
		return "username", fmt.Sprintf("Username too long (max %d characters)", s.config.MaxUsernameLength)
	case req.Email == "":
		return "email", "Email is required"
	case req.Password == "":
		return "password", "Password is required"
	}
	return "", ""
}

// handleJoinChannel moves the session into a channel, announces the move
// to both channels, and replies with the channel's recent history.
func (s *Server) handleJoinChannel(sess *Session, env *protocol.Envelope) error {
	var req protocol.JoinChannelRequest
	if err := env.DecodePayload(&req); err != nil {
		return s.sendError(sess, env.Type, protocol.CodeProtocolError, "Invalid join payload")
	}

	if sess.User() == nil {
		return s.sendError(sess, env.Type, protocol.CodeAuthFailed, "Login required")
	}

	target, ok := s.channels.Get(req.Channel)
	if !ok {
		return s.sendError(sess, env.Type, protocol.CodeChannelNotFound,
			fmt.Sprintf("No such channel %q", req.Channel))
	}

	// The channel's send lock spans the membership change, the join
	// announcement, and the history snapshot. A concurrent send is
	// therefore ordered entirely before the join (in the history, no
	// live copy) or entirely after it (live copy, not in the history),
	// so the joiner sees each message exactly once and every member
	// sees the announcement at the same point in the stream.
	target.sendMu.Lock()

	_, previous, ok := s.channels.Join(sess, req.Channel)
	if !ok {
		target.sendMu.Unlock()
		return s.sendError(sess, env.Type, protocol.CodeChannelNotFound,
			fmt.Sprintf("No such channel %q", req.Channel))
	}

	s.broadcastUserJoined(target, sess)

	err := s.sendReply(sess, protocol.TypeChannelJoined, protocol.ChannelJoined{
		ChannelID: target.ID,
		Channel:   target.Name,
	})
	if err == nil {
		history := target.History()
		messages := make([]protocol.Message, 0, len(history))
		for _, msg := range history {
			messages = append(messages, messageToProtocol(msg, target.Name))
		}
		err = s.sendReply(sess, protocol.TypeMessageHistory, protocol.MessageHistory{
			Channel:  target.Name,
			Messages: messages,
		})
	}

	target.sendMu.Unlock()

	// Announced after the target lock is released so the two channel
	// locks are never held together.
	if previous != nil {
		s.broadcastUserLeft(previous, sess.Username())
	}
	return err
}

// handleSendMessage persists a message and fans it out to the channel.
// The channel's send lock spans the whole sequence, so members see every
// message exactly once, in one order, and only after it is stored.
func (s *Server) handleSendMessage(sess *Session, env *protocol.Envelope) error {
	var req protocol.SendMessageRequest
	if err := env.DecodePayload(&req); err != nil {
		return s.sendError(sess, env.Type, protocol.CodeProtocolError, "Invalid message payload")
	}

	user := sess.User()
	if user == nil {
		return s.sendError(sess, env.Type, protocol.CodeAuthFailed, "Login required")
	}

	channelName := sess.Channel()
	if channelName == "" {
		return s.sendError(sess, env.Type, protocol.CodeNotInChannel, "Join a channel first")
	}

	ch, ok := s.channels.Get(channelName)
	if !ok {
		return s.sendError(sess, env.Type, protocol.CodeNotInChannel, "Join a channel first")
	}

	if strings.TrimSpace(req.Content) == "" {
		return s.sendError(sess, env.Type, protocol.CodeInvalidInput, "Message is empty")
	}
	if len(req.Content) > s.config.MaxMessageLength {
		return s.sendError(sess, env.Type, protocol.CodeInvalidInput,
			fmt.Sprintf("Message too long (max %d bytes)", s.config.MaxMessageLength))
	}

	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()

	start := time.Now()

	var imagePath *string
	if req.Image != "" {
		imagePath = &req.Image
	}

	msg, err := s.db.PostMessage(ch.ID, user.ID, user.Username, req.Content, imagePath)
	if err != nil {
		errorLog.Printf("Session %d: failed to store message: %v", sess.ID, err)
		return s.sendError(sess, env.Type, protocol.CodeServerError, "Failed to store message")
	}

	s.channels.AppendHistory(ch, msg)

	payload := messageToProtocol(msg, ch.Name)
	fanout := s.broadcastToChannel(ch, protocol.TypeNewMessage, payload)

	s.metrics.RecordBroadcast(fanout, time.Since(start).Seconds())
	return nil
}

// handleCreateChannel creates a channel and announces it to everyone.
func (s *Server) handleCreateChannel(sess *Session, env *protocol.Envelope) error {
	var req protocol.CreateChannelRequest
	if err := env.DecodePayload(&req); err != nil {
		return s.sendError(sess, env.Type, protocol.CodeProtocolError, "Invalid create payload")
	}

	if sess.User() == nil {
		return s.sendError(sess, env.Type, protocol.CodeAuthFailed, "Login required")
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return s.sendError(sess, env.Type, protocol.CodeInvalidInput, "Channel name is required")
	}
	if len(name) > 32 || !channelNamePattern.MatchString(name) {
		return s.sendError(sess, env.Type, protocol.CodeInvalidInput,
			"Channel name may only contain letters, digits, _ and - (max 32 characters)")
	}

	// Fast-path duplicate rejection; the store's uniqueness constraint is
	// still the authoritative guard.
	if _, exists := s.channels.Get(name); exists {
		return s.sendError(sess, env.Type, protocol.CodeAlreadyExists,
			fmt.Sprintf("Channel %q already exists", name))
	}

	ch, err := s.db.CreateChannel(name)
	if err == database.ErrChannelExists {
		return s.sendError(sess, env.Type, protocol.CodeAlreadyExists,
			fmt.Sprintf("Channel %q already exists", name))
	}
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	s.channels.Register(ch)
	debugLog.Printf("Session %d created channel #%s", sess.ID, ch.Name)

	// The creator learns about the channel the same way everyone else does.
	s.broadcastToAll(protocol.TypeChannelCreated, protocol.ChannelCreated{
		ID:   ch.ID,
		Name: ch.Name,
	})
	return nil
}

// sendReply writes a typed payload to a single session.
func (s *Server) sendReply(sess *Session, msgType string, payload interface{}) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return sess.Conn.WriteEnvelope(env)
}

// sendError writes a generic error reply. requestType identifies the
// client message that caused it, when known.
func (s *Server) sendError(sess *Session, requestType, code, message string) error {
	s.metrics.RecordErrorSent(code)
	return s.sendReply(sess, protocol.TypeError, protocol.ErrorPayload{
		RequestType: requestType,
		Code:        code,
		Message:     message,
	})
}

func messageToProtocol(msg *database.Message, channel string) protocol.Message {
	return protocol.Message{
		ID:      msg.ID,
		Channel: channel,
		Author:  msg.Author,
		Content: msg.Content,
		Image:   safeDeref(msg.ImagePath, ""),
		SentAt:  msg.CreatedAt,
		Edited:  msg.Edited,
	}
}
