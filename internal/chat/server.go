package chat

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/orisa/server/internal/config"
	"github.com/orisa/server/internal/world"
	"go.uber.org/zap"
)

// Server accepts TCP connections and runs one Session per client against
// the shared world.
type Server struct {
	listener net.Listener
	ref      world.WorldRef
	auth     *Accounts
	cfg      config.NetworkConfig

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session

	closeCh   chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

func NewServer(cfg config.NetworkConfig, ref world.WorldRef, auth *Accounts, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.BindAddress, err)
	}
	return &Server{
		listener: ln,
		ref:      ref,
		auth:     auth,
		cfg:      cfg,
		sessions: make(map[uint64]*Session),
		closeCh:  make(chan struct{}),
		log:      log,
	}, nil
}

// AcceptLoop runs in its own goroutine until Shutdown.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		id := s.nextID.Add(1)
		sess := NewSession(conn, id, s.ref, s.auth, s.cfg.OutQueueSize, s.cfg.WriteTimeout, s.log)
		sess.onDead = s.drop

		s.mu.Lock()
		s.sessions[id] = sess
		s.mu.Unlock()

		s.log.Info("client connected",
			zap.Uint64("session", id), zap.String("ip", conn.RemoteAddr().String()))
		sess.Start()
	}
}

func (s *Server) drop(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
	s.log.Info("client disconnected", zap.Uint64("session", sess.ID))
}

// Shutdown stops accepting and closes every live session. Sessions detach
// from the world as their read loops unwind, so the world must still be
// accepting writes when this is called.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.listener.Close()
	})

	s.mu.Lock()
	live := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.Close()
	}
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
