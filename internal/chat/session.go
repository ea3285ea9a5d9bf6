package chat

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orisa/server/internal/scripting"
	"github.com/orisa/server/internal/world"
	"go.uber.org/zap"
)

// Session is one line-protocol client connection. Network I/O runs in two
// dedicated goroutines; world access goes through the shared WorldRef.
//
// Protocol, one command per line:
//
//	login <name> [password]
//	say <text>
//	quit
type Session struct {
	ID   uint64
	conn net.Conn

	ref  world.WorldRef
	auth *Accounts

	// userID is set exactly once on successful login.
	userID   world.Id
	loggedIn atomic.Bool

	outQueue     chan world.ClientMessage
	writeTimeout time.Duration

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	onDead func(*Session)

	log *zap.Logger
}

func NewSession(conn net.Conn, id uint64, ref world.WorldRef, auth *Accounts,
	outSize int, writeTimeout time.Duration, log *zap.Logger) *Session {
	return &Session{
		ID:           id,
		conn:         conn,
		ref:          ref,
		auth:         auth,
		outQueue:     make(chan world.ClientMessage, outSize),
		writeTimeout: writeTimeout,
		closeCh:      make(chan struct{}),
		log:          log.With(zap.Uint64("session", id)),
	}
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

// SendClient queues an event for the client. Never blocks: the directory
// calls this under its read lock, so a slow client is disconnected instead
// of stalling the world.
func (s *Session) SendClient(msg world.ClientMessage) {
	if s.closed.Load() {
		return
	}
	select {
	case s.outQueue <- msg:
	default:
		s.log.Warn("out queue full, disconnecting slow client")
		s.Close()
	}
}

// Close shuts the session down. Detaching from the world happens in the
// readLoop's defer, which runs once the connection unblocks.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
		s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer func() {
		s.Close()
		s.detach()
		if s.onDead != nil {
			s.onDead(s)
		}
	}()

	scanner := bufio.NewScanner(s.conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !s.handleLine(line) {
			return
		}
	}
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.log.Debug("read error", zap.Error(err))
	}
}

// handleLine dispatches one protocol command. Returns false to end the
// session.
func (s *Session) handleLine(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "login":
		s.handleLogin(rest)
		return true
	case "say":
		s.handleSay(rest)
		return true
	case "quit":
		s.writeLine("goodbye")
		return false
	default:
		s.writeLine("error unknown command")
		return true
	}
}

func (s *Session) handleLogin(rest string) {
	if s.loggedIn.Load() {
		s.writeLine("error already logged in")
		return
	}
	name, password, _ := strings.Cut(rest, " ")
	name = NormalizeUsername(name)
	if name == "" {
		s.writeLine("error login requires a name")
		return
	}
	if s.auth != nil && !s.auth.Check(name, password) {
		s.log.Info("login rejected", zap.String("user", name))
		s.writeLine("error bad credentials")
		return
	}

	s.ref.Write(func(w *world.World) {
		s.userID = w.GetOrCreateUser(name)
		w.RegisterChatConnect(s.userID, s)
	})
	s.loggedIn.Store(true)
	s.log.Info("logged in", zap.String("user", name), zap.Stringer("object", s.userID))
	s.writeLine(fmt.Sprintf("welcome %s %s", name, s.userID))
}

// handleSay forwards the text to the entrance room, which fans it out to
// the users inside via its behavior script.
func (s *Session) handleSay(text string) {
	if !s.loggedIn.Load() {
		s.writeLine("error login first")
		return
	}
	s.ref.Read(func(w *world.World) {
		w.SendMessage(w.Entrance(), world.Message{
			ImmediateSender: s.userID,
			Name:            "say",
			Payload: map[string]scripting.Value{
				"speaker": int(s.userID),
				"message": text,
			},
		})
	})
}

func (s *Session) detach() {
	if !s.loggedIn.Load() {
		return
	}
	s.ref.Write(func(w *world.World) {
		w.RemoveChatConnection(s.userID, s)
	})
}

func (s *Session) writeLoop() {
	defer s.Close()
	for {
		select {
		case msg := <-s.outQueue:
			line := msg.Kind + " " + msg.Text
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if _, err := fmt.Fprintln(s.conn, line); err != nil {
				if !s.closed.Load() {
					s.log.Debug("write error", zap.Error(err))
				}
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// writeLine sends a protocol response directly, bypassing the world. Used
// for command acknowledgements and errors.
func (s *Session) writeLine(line string) {
	s.SendClient(world.ClientMessage{Kind: "server", Text: line})
}
