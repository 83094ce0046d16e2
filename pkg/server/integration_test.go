package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fernwood/parley/pkg/protocol"
)

// Integration test helpers

// startTestServer starts a real server on a random port and returns it
// with its TCP address.
func startTestServer(t *testing.T, config ServerConfig) (*Server, string) {
	t.Helper()

	dbPath := t.TempDir() + "/test.db"

	srv, err := NewServer(dbPath, config)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	srv.config.TCPPort = 0
	srv.config.HTTPPort = 0

	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)

	// Metrics are attached before Start, as cmd/server does, so no
	// accept goroutine can observe the swap.
	srv.SetMetrics(NewMetrics())

	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	addr := srv.listener.Addr().String()

	t.Cleanup(func() {
		srv.Stop()
	})

	return srv, addr
}

// testClient wraps a client connection with a background reader so that
// server broadcasts never block on an unread pipe.
type testClient struct {
	raw      net.Conn
	conn     *protocol.Conn
	incoming chan *protocol.Envelope
	errs     chan error
}

func connectClient(t *testing.T, addr string) *testClient {
	t.Helper()

	netConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	tc := &testClient{
		raw:      netConn,
		conn:     protocol.NewConn(netConn),
		incoming: make(chan *protocol.Envelope, 64),
		errs:     make(chan error, 1),
	}

	go func() {
		for {
			env, err := tc.conn.ReadEnvelope()
			if err != nil {
				tc.errs <- err
				close(tc.incoming)
				return
			}
			tc.incoming <- env
		}
	}()

	t.Cleanup(func() {
		tc.conn.Close()
	})

	return tc
}

func (tc *testClient) send(t *testing.T, msgType string, payload interface{}) {
	t.Helper()

	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("Failed to build %s envelope: %v", msgType, err)
	}
	if err := tc.conn.WriteEnvelope(env); err != nil {
		t.Fatalf("Failed to send %s: %v", msgType, err)
	}
}

func (tc *testClient) recv(t *testing.T) *protocol.Envelope {
	t.Helper()

	select {
	case env, ok := <-tc.incoming:
		if !ok {
			t.Fatalf("Connection closed while waiting for message")
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for message")
		return nil
	}
}

// expect reads the next message and fails unless it has the given type.
func (tc *testClient) expect(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()

	env := tc.recv(t)
	if env.Type != msgType {
		t.Fatalf("Expected %s, got %s", msgType, env.Type)
	}
	return env
}

func (tc *testClient) expectNothing(t *testing.T) {
	t.Helper()

	select {
	case env := <-tc.incoming:
		t.Fatalf("Expected no message, got %s", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func registerAndLogin(t *testing.T, tc *testClient, username string) {
	t.Helper()

	tc.send(t, protocol.TypeRegister, protocol.RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "password123",
	})
	tc.expect(t, protocol.TypeRegisterOK)

	tc.send(t, protocol.TypeLogin, protocol.LoginRequest{
		Username: username,
		Password: "password123",
	})
	tc.expect(t, protocol.TypeLoginOK)
}

func decodeError(t *testing.T, env *protocol.Envelope) protocol.ErrorPayload {
	t.Helper()

	var payload protocol.ErrorPayload
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("Failed to decode error payload: %v", err)
	}
	return payload
}

// TestServerIntegration exercises the full server through real TCP
// connections. Kept as one top-level test because metrics registration
// is process-global.
func TestServerIntegration(t *testing.T) {
	config := DefaultConfig()
	config.SeedChannels = []string{"general", "random"}
	config.MaxMessageLength = 512
	_, addr := startTestServer(t, config)

	t.Run("register/success_and_conflicts", func(t *testing.T) {
		tc := connectClient(t, addr)

		tc.send(t, protocol.TypeRegister, protocol.RegisterRequest{
			Username: "alice", Email: "alice@example.com", Password: "password123",
		})
		env := tc.expect(t, protocol.TypeRegisterOK)
		var ok protocol.RegisterOK
		if err := env.DecodePayload(&ok); err != nil {
			t.Fatalf("Failed to decode register_ok: %v", err)
		}
		if ok.UserID == 0 {
			t.Fatal("Expected non-zero user id")
		}

		// Same username, different email.
		tc.send(t, protocol.TypeRegister, protocol.RegisterRequest{
			Username: "alice", Email: "alice2@example.com", Password: "password123",
		})
		env = tc.expect(t, protocol.TypeRegisterFailed)
		var failed protocol.RegisterFailed
		if err := env.DecodePayload(&failed); err != nil {
			t.Fatalf("Failed to decode register_failed: %v", err)
		}
		if failed.Field != "username" {
			t.Fatalf("Expected username conflict, got field %q", failed.Field)
		}

		// Same email, different username.
		tc.send(t, protocol.TypeRegister, protocol.RegisterRequest{
			Username: "alice2", Email: "alice@example.com", Password: "password123",
		})
		env = tc.expect(t, protocol.TypeRegisterFailed)
		failed = protocol.RegisterFailed{}
		if err := env.DecodePayload(&failed); err != nil {
			t.Fatalf("Failed to decode register_failed: %v", err)
		}
		if failed.Field != "email" {
			t.Fatalf("Expected email conflict, got field %q", failed.Field)
		}
	})

	t.Run("register/validation", func(t *testing.T) {
		tc := connectClient(t, addr)

		cases := []struct {
			req   protocol.RegisterRequest
			field string
		}{
			{protocol.RegisterRequest{Username: "", Email: "a@b.c", Password: "password123"}, "username"},
			{protocol.RegisterRequest{Username: strings.Repeat("x", 21), Email: "a@b.c", Password: "password123"}, "username"},
			{protocol.RegisterRequest{Username: "bob", Email: "", Password: "password123"}, "email"},
			{protocol.RegisterRequest{Username: "bob", Email: "a@b.c", Password: ""}, "password"},
		}

		for _, tt := range cases {
			tc.send(t, protocol.TypeRegister, tt.req)
			env := tc.expect(t, protocol.TypeRegisterFailed)
			var failed protocol.RegisterFailed
			if err := env.DecodePayload(&failed); err != nil {
				t.Fatalf("Failed to decode register_failed: %v", err)
			}
			if failed.Field != tt.field {
				t.Fatalf("Expected failure on %q, got %q (%s)", tt.field, failed.Field, failed.Message)
			}
		}
	})

	t.Run("register/minimal_credentials_accepted", func(t *testing.T) {
		tc := connectClient(t, addr)

		// A terse but non-empty triple is fine; credential strength is
		// not the server's call.
		tc.send(t, protocol.TypeRegister, protocol.RegisterRequest{
			Username: "sam", Email: "s@x.com", Password: "pw1",
		})
		tc.expect(t, protocol.TypeRegisterOK)

		tc.send(t, protocol.TypeLogin, protocol.LoginRequest{Username: "sam", Password: "pw1"})
		tc.expect(t, protocol.TypeLoginOK)
	})

	t.Run("login/wrong_credentials_are_uniform", func(t *testing.T) {
		tc := connectClient(t, addr)

		tc.send(t, protocol.TypeLogin, protocol.LoginRequest{Username: "alice", Password: "wrong-password"})
		env := tc.expect(t, protocol.TypeLoginFailed)
		var badPass protocol.LoginFailed
		if err := env.DecodePayload(&badPass); err != nil {
			t.Fatalf("Failed to decode login_failed: %v", err)
		}

		tc.send(t, protocol.TypeLogin, protocol.LoginRequest{Username: "no-such-user", Password: "whatever1"})
		env = tc.expect(t, protocol.TypeLoginFailed)
		var badUser protocol.LoginFailed
		if err := env.DecodePayload(&badUser); err != nil {
			t.Fatalf("Failed to decode login_failed: %v", err)
		}

		// An attacker must not be able to tell the two apart.
		if badPass.Message != badUser.Message {
			t.Fatalf("Failure messages differ: %q vs %q", badPass.Message, badUser.Message)
		}
	})

	t.Run("login/success", func(t *testing.T) {
		tc := connectClient(t, addr)

		tc.send(t, protocol.TypeLogin, protocol.LoginRequest{Username: "alice", Password: "password123"})
		env := tc.expect(t, protocol.TypeLoginOK)
		var ok protocol.LoginOK
		if err := env.DecodePayload(&ok); err != nil {
			t.Fatalf("Failed to decode login_ok: %v", err)
		}
		if ok.User.Username != "alice" || ok.User.Status != "ONLINE" {
			t.Fatalf("Unexpected login_ok user: %+v", ok.User)
		}
	})

	t.Run("login/displaces_existing_session", func(t *testing.T) {
		first := connectClient(t, addr)
		first.send(t, protocol.TypeLogin, protocol.LoginRequest{Username: "alice", Password: "password123"})
		first.expect(t, protocol.TypeLoginOK)

		second := connectClient(t, addr)
		second.send(t, protocol.TypeLogin, protocol.LoginRequest{Username: "alice", Password: "password123"})
		second.expect(t, protocol.TypeLoginOK)

		// The first connection gets dropped.
		select {
		case <-first.errs:
		case <-time.After(2 * time.Second):
			t.Fatal("First session was not disconnected by second login")
		}
	})

	t.Run("join/requires_login", func(t *testing.T) {
		tc := connectClient(t, addr)

		tc.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		payload := decodeError(t, tc.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeAuthFailed {
			t.Fatalf("Expected %s, got %s", protocol.CodeAuthFailed, payload.Code)
		}
	})

	t.Run("join/unknown_channel", func(t *testing.T) {
		tc := connectClient(t, addr)
		registerAndLogin(t, tc, "bob")

		tc.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "nope"})
		payload := decodeError(t, tc.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeChannelNotFound {
			t.Fatalf("Expected %s, got %s", protocol.CodeChannelNotFound, payload.Code)
		}
	})

	t.Run("join/replies_with_history", func(t *testing.T) {
		tc := connectClient(t, addr)
		registerAndLogin(t, tc, "carol")

		tc.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		env := tc.expect(t, protocol.TypeChannelJoined)
		var joined protocol.ChannelJoined
		if err := env.DecodePayload(&joined); err != nil {
			t.Fatalf("Failed to decode channel_joined: %v", err)
		}
		if joined.Channel != "general" {
			t.Fatalf("Joined wrong channel: %q", joined.Channel)
		}

		env = tc.expect(t, protocol.TypeMessageHistory)
		var history protocol.MessageHistory
		if err := env.DecodePayload(&history); err != nil {
			t.Fatalf("Failed to decode message_history: %v", err)
		}
		if history.Channel != "general" {
			t.Fatalf("History for wrong channel: %q", history.Channel)
		}
	})

	t.Run("send/requires_channel", func(t *testing.T) {
		tc := connectClient(t, addr)
		registerAndLogin(t, tc, "dave")

		tc.send(t, protocol.TypeSendMessage, protocol.SendMessageRequest{Content: "hello"})
		payload := decodeError(t, tc.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeNotInChannel {
			t.Fatalf("Expected %s, got %s", protocol.CodeNotInChannel, payload.Code)
		}
	})

	t.Run("send/validation", func(t *testing.T) {
		tc := connectClient(t, addr)
		registerAndLogin(t, tc, "erin")
		tc.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "random"})
		tc.expect(t, protocol.TypeChannelJoined)
		tc.expect(t, protocol.TypeMessageHistory)

		tc.send(t, protocol.TypeSendMessage, protocol.SendMessageRequest{Content: "   "})
		payload := decodeError(t, tc.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeInvalidInput {
			t.Fatalf("Expected %s for empty message, got %s", protocol.CodeInvalidInput, payload.Code)
		}

		tc.send(t, protocol.TypeSendMessage, protocol.SendMessageRequest{
			Content: strings.Repeat("x", 513),
		})
		payload = decodeError(t, tc.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeInvalidInput {
			t.Fatalf("Expected %s for oversized message, got %s", protocol.CodeInvalidInput, payload.Code)
		}
	})

	t.Run("broadcast/message_to_channel_members", func(t *testing.T) {
		sender := connectClient(t, addr)
		registerAndLogin(t, sender, "frank")
		sender.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		sender.expect(t, protocol.TypeChannelJoined)
		sender.expect(t, protocol.TypeMessageHistory)

		receiver := connectClient(t, addr)
		registerAndLogin(t, receiver, "grace")
		receiver.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		receiver.expect(t, protocol.TypeChannelJoined)
		receiver.expect(t, protocol.TypeMessageHistory)

		// The sender learns about the receiver's join.
		sender.expect(t, protocol.TypeUserJoined)

		// Outsider in another channel must not see the message.
		outsider := connectClient(t, addr)
		registerAndLogin(t, outsider, "heidi")
		outsider.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "random"})
		outsider.expect(t, protocol.TypeChannelJoined)
		outsider.expect(t, protocol.TypeMessageHistory)

		sender.send(t, protocol.TypeSendMessage, protocol.SendMessageRequest{Content: "hello channel"})

		for _, tc := range []*testClient{sender, receiver} {
			env := tc.expect(t, protocol.TypeNewMessage)
			var msg protocol.Message
			if err := env.DecodePayload(&msg); err != nil {
				t.Fatalf("Failed to decode new_message: %v", err)
			}
			if msg.Author != "frank" || msg.Content != "hello channel" || msg.Channel != "general" {
				t.Fatalf("Unexpected message: %+v", msg)
			}
			if msg.ID == 0 || msg.SentAt == 0 {
				t.Fatalf("Message missing id or timestamp: %+v", msg)
			}
		}

		outsider.expectNothing(t)

		// A member joining after the send finds the message at the end of
		// the history it receives.
		late := connectClient(t, addr)
		registerAndLogin(t, late, "niaj")
		late.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		late.expect(t, protocol.TypeChannelJoined)
		env := late.expect(t, protocol.TypeMessageHistory)
		var history protocol.MessageHistory
		if err := env.DecodePayload(&history); err != nil {
			t.Fatalf("Failed to decode message_history: %v", err)
		}
		if len(history.Messages) == 0 {
			t.Fatal("Late joiner received empty history")
		}
		last := history.Messages[len(history.Messages)-1]
		if last.Content != "hello channel" || last.Author != "frank" {
			t.Fatalf("History should end with the sent message, got %+v", last)
		}
	})

	t.Run("broadcast/ordering_is_consistent", func(t *testing.T) {
		sender := connectClient(t, addr)
		registerAndLogin(t, sender, "ivan")
		sender.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "random"})
		sender.expect(t, protocol.TypeChannelJoined)
		sender.expect(t, protocol.TypeMessageHistory)

		receiver := connectClient(t, addr)
		registerAndLogin(t, receiver, "judy")
		receiver.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "random"})
		receiver.expect(t, protocol.TypeChannelJoined)
		receiver.expect(t, protocol.TypeMessageHistory)
		sender.expect(t, protocol.TypeUserJoined)

		const count = 10
		for i := 0; i < count; i++ {
			sender.send(t, protocol.TypeSendMessage, protocol.SendMessageRequest{
				Content: fmt.Sprintf("msg %d", i),
			})
		}

		var lastID int64
		for i := 0; i < count; i++ {
			env := receiver.expect(t, protocol.TypeNewMessage)
			var msg protocol.Message
			if err := env.DecodePayload(&msg); err != nil {
				t.Fatalf("Failed to decode new_message: %v", err)
			}
			if want := fmt.Sprintf("msg %d", i); msg.Content != want {
				t.Fatalf("Out of order: expected %q, got %q", want, msg.Content)
			}
			if msg.ID <= lastID {
				t.Fatalf("Message ids not increasing: %d after %d", msg.ID, lastID)
			}
			lastID = msg.ID
		}
	})

	t.Run("broadcast/join_and_leave_announcements", func(t *testing.T) {
		watcher := connectClient(t, addr)
		registerAndLogin(t, watcher, "kate")
		watcher.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		watcher.expect(t, protocol.TypeChannelJoined)
		watcher.expect(t, protocol.TypeMessageHistory)

		visitor := connectClient(t, addr)
		registerAndLogin(t, visitor, "leo")
		visitor.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		visitor.expect(t, protocol.TypeChannelJoined)
		visitor.expect(t, protocol.TypeMessageHistory)

		env := watcher.expect(t, protocol.TypeUserJoined)
		var joined protocol.UserJoined
		if err := env.DecodePayload(&joined); err != nil {
			t.Fatalf("Failed to decode user_joined: %v", err)
		}
		if joined.Username != "leo" || joined.Channel != "general" {
			t.Fatalf("Unexpected user_joined: %+v", joined)
		}

		// Moving to another channel announces the departure.
		visitor.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "random"})
		visitor.expect(t, protocol.TypeChannelJoined)
		visitor.expect(t, protocol.TypeMessageHistory)

		env = watcher.expect(t, protocol.TypeUserLeft)
		var left protocol.UserLeft
		if err := env.DecodePayload(&left); err != nil {
			t.Fatalf("Failed to decode user_left: %v", err)
		}
		if left.Username != "leo" || left.Channel != "general" {
			t.Fatalf("Unexpected user_left: %+v", left)
		}

		// Disconnecting announces the departure too.
		visitor.conn.Close()
		// leo was in random; kate sees nothing further in general.
		watcher.expectNothing(t)
	})

	t.Run("broadcast/join_mid_stream_sees_each_message_once", func(t *testing.T) {
		streamer := connectClient(t, addr)
		registerAndLogin(t, streamer, "peggy")
		streamer.send(t, protocol.TypeCreateChannel, protocol.CreateChannelRequest{Name: "firehose"})
		streamer.expect(t, protocol.TypeChannelCreated)
		streamer.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "firehose"})
		streamer.expect(t, protocol.TypeChannelJoined)
		streamer.expect(t, protocol.TypeMessageHistory)

		joiner := connectClient(t, addr)
		registerAndLogin(t, joiner, "quinn")

		// Blast messages from another goroutine while quinn joins, so
		// the join lands somewhere inside the stream. Wherever it
		// lands, each message must show up exactly once: in the
		// history snapshot or as a live new_message, never both.
		const count = 40
		sendErr := make(chan error, 1)
		go func() {
			for i := 0; i < count; i++ {
				env, err := protocol.NewEnvelope(protocol.TypeSendMessage, protocol.SendMessageRequest{
					Content: fmt.Sprintf("msg %d", i),
				})
				if err == nil {
					err = streamer.conn.WriteEnvelope(env)
				}
				if err != nil {
					sendErr <- err
					return
				}
			}
			sendErr <- nil
		}()

		joiner.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "firehose"})
		joiner.expect(t, protocol.TypeChannelJoined)

		env := joiner.expect(t, protocol.TypeMessageHistory)
		var history protocol.MessageHistory
		if err := env.DecodePayload(&history); err != nil {
			t.Fatalf("Failed to decode message_history: %v", err)
		}

		seen := make(map[int64]bool)
		var lastID int64
		observe := func(msg protocol.Message) {
			if seen[msg.ID] {
				t.Fatalf("Message %d (%q) delivered twice", msg.ID, msg.Content)
			}
			if msg.ID <= lastID {
				t.Fatalf("Message ids not increasing: %d after %d", msg.ID, lastID)
			}
			seen[msg.ID] = true
			lastID = msg.ID
		}

		for _, msg := range history.Messages {
			observe(msg)
		}
		for len(seen) < count {
			env := joiner.expect(t, protocol.TypeNewMessage)
			var msg protocol.Message
			if err := env.DecodePayload(&msg); err != nil {
				t.Fatalf("Failed to decode new_message: %v", err)
			}
			observe(msg)
		}

		if err := <-sendErr; err != nil {
			t.Fatalf("Streaming writes failed: %v", err)
		}
		joiner.expectNothing(t)
	})

	t.Run("create_channel/broadcast_and_conflict", func(t *testing.T) {
		creator := connectClient(t, addr)
		registerAndLogin(t, creator, "mallory")

		bystander := connectClient(t, addr)
		registerAndLogin(t, bystander, "oscar")

		creator.send(t, protocol.TypeCreateChannel, protocol.CreateChannelRequest{Name: "projects"})

		for _, tc := range []*testClient{creator, bystander} {
			env := tc.expect(t, protocol.TypeChannelCreated)
			var created protocol.ChannelCreated
			if err := env.DecodePayload(&created); err != nil {
				t.Fatalf("Failed to decode channel_created: %v", err)
			}
			if created.Name != "projects" || created.ID == 0 {
				t.Fatalf("Unexpected channel_created: %+v", created)
			}
		}

		// The channel is joinable immediately.
		creator.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "projects"})
		creator.expect(t, protocol.TypeChannelJoined)
		creator.expect(t, protocol.TypeMessageHistory)

		creator.send(t, protocol.TypeCreateChannel, protocol.CreateChannelRequest{Name: "projects"})
		payload := decodeError(t, creator.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeAlreadyExists {
			t.Fatalf("Expected %s, got %s", protocol.CodeAlreadyExists, payload.Code)
		}
	})

	t.Run("protocol/malformed_line_is_recoverable", func(t *testing.T) {
		tc := connectClient(t, addr)

		if _, err := tc.raw.Write([]byte("this is not json\n")); err != nil {
			t.Fatalf("Failed to write raw line: %v", err)
		}
		payload := decodeError(t, tc.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeProtocolError {
			t.Fatalf("Expected %s, got %s", protocol.CodeProtocolError, payload.Code)
		}

		// The connection survives and still works.
		registerAndLogin(t, tc, "quentin")
	})

	t.Run("protocol/unhandled_type", func(t *testing.T) {
		tc := connectClient(t, addr)

		tc.send(t, "frobnicate", map[string]string{"x": "y"})
		payload := decodeError(t, tc.expect(t, protocol.TypeError))
		if payload.Code != protocol.CodeUnhandledType {
			t.Fatalf("Expected %s, got %s", protocol.CodeUnhandledType, payload.Code)
		}
		if payload.RequestType != "frobnicate" {
			t.Fatalf("Error should name the offending type, got %q", payload.RequestType)
		}
	})

	t.Run("persistence/history_survives_restart", func(t *testing.T) {
		dbPath := t.TempDir() + "/restart.db"
		config := DefaultConfig()
		config.SeedChannels = []string{"general"}
		config.TCPPort = 0
		config.HTTPPort = 0

		first, err := NewServer(dbPath, config)
		if err != nil {
			t.Fatalf("Failed to create server: %v", err)
		}
		if err := first.Start(); err != nil {
			t.Fatalf("Failed to start server: %v", err)
		}
		firstAddr := first.listener.Addr().String()

		tc := connectClient(t, firstAddr)
		registerAndLogin(t, tc, "rita")
		tc.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		tc.expect(t, protocol.TypeChannelJoined)
		tc.expect(t, protocol.TypeMessageHistory)
		tc.send(t, protocol.TypeSendMessage, protocol.SendMessageRequest{Content: "before restart"})
		tc.expect(t, protocol.TypeNewMessage)
		tc.conn.Close()

		if err := first.Stop(); err != nil {
			t.Fatalf("Failed to stop server: %v", err)
		}

		second, err := NewServer(dbPath, config)
		if err != nil {
			t.Fatalf("Failed to recreate server: %v", err)
		}
		if err := second.Start(); err != nil {
			t.Fatalf("Failed to restart server: %v", err)
		}
		t.Cleanup(func() { second.Stop() })

		tc2 := connectClient(t, second.listener.Addr().String())
		tc2.send(t, protocol.TypeLogin, protocol.LoginRequest{Username: "rita", Password: "password123"})
		tc2.expect(t, protocol.TypeLoginOK)
		tc2.send(t, protocol.TypeJoinChannel, protocol.JoinChannelRequest{Channel: "general"})
		tc2.expect(t, protocol.TypeChannelJoined)

		env := tc2.expect(t, protocol.TypeMessageHistory)
		var history protocol.MessageHistory
		if err := env.DecodePayload(&history); err != nil {
			t.Fatalf("Failed to decode message_history: %v", err)
		}
		if len(history.Messages) != 1 || history.Messages[0].Content != "before restart" {
			t.Fatalf("Expected warmed history after restart, got %+v", history.Messages)
		}
	})
}
