package server

import (
	"github.com/fernwood/parley/pkg/protocol"
)

// Delivery is best effort: a member whose connection can't take the
// write is skipped, and its own read loop notices the dead connection
// and cleans it up. A slow consumer never stalls the rest of a channel.

// broadcastToChannel writes a typed payload to every current member of
// ch and returns the number of successful deliveries.
func (s *Server) broadcastToChannel(ch *ChannelState, msgType string, payload interface{}) int {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		errorLog.Printf("Broadcast encode failed (%s): %v", msgType, err)
		return 0
	}

	delivered := 0
	for _, sess := range s.channels.Members(ch) {
		if err := sess.Conn.WriteEnvelope(env); err != nil {
			debugLog.Printf("Session %d: broadcast write failed (%s): %v", sess.ID, msgType, err)
			continue
		}
		delivered++
	}
	return delivered
}

// broadcastToAll writes a typed payload to every connected session.
func (s *Server) broadcastToAll(msgType string, payload interface{}) int {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		errorLog.Printf("Broadcast encode failed (%s): %v", msgType, err)
		return 0
	}

	delivered := 0
	for _, sess := range s.sessions.GetAllSessions() {
		if err := sess.Conn.WriteEnvelope(env); err != nil {
			debugLog.Printf("Session %d: broadcast write failed (%s): %v", sess.ID, msgType, err)
			continue
		}
		delivered++
	}
	return delivered
}

// broadcastUserJoined announces a join to the channel's other members.
// The caller must hold ch.sendMu so the announcement lands at a fixed
// point in the channel's message stream.
func (s *Server) broadcastUserJoined(ch *ChannelState, joined *Session) {
	env, err := protocol.NewEnvelope(protocol.TypeUserJoined, protocol.UserJoined{
		Channel:  ch.Name,
		Username: joined.Username(),
	})
	if err != nil {
		errorLog.Printf("Broadcast encode failed (user_joined): %v", err)
		return
	}

	for _, sess := range s.channels.Members(ch) {
		if sess.ID == joined.ID {
			continue
		}
		if err := sess.Conn.WriteEnvelope(env); err != nil {
			debugLog.Printf("Session %d: broadcast write failed (user_joined): %v", sess.ID, err)
		}
	}
}

// broadcastUserLeft announces a departure to the channel's remaining
// members. It takes the channel's send lock itself so every member sees
// the departure at the same point relative to the message stream.
func (s *Server) broadcastUserLeft(ch *ChannelState, username string) {
	ch.sendMu.Lock()
	defer ch.sendMu.Unlock()
	s.broadcastToChannel(ch, protocol.TypeUserLeft, protocol.UserLeft{
		Channel:  ch.Name,
		Username: username,
	})
}
