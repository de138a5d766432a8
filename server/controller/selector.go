package controller

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"dropsync/constants"
	"dropsync/networking"
	"dropsync/server/config"
	"dropsync/storage"
	"dropsync/validator"
)

// Server owns the listening socket and the single event loop that all
// protocol state is serialized on. Connection goroutines only read from
// their socket and post events; every mutation happens on the loop.
type Server struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	valid validator.Validator
	keys  networking.KeyPair
	auth  networking.Authorizer
	ctrl  *Controller

	events   chan event
	sessions map[string]*session
	quit     chan struct{}
	done     chan struct{}
}

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evDisconnect
)

type event struct {
	kind eventKind
	id   string
	sess *session
	msg  networking.Message
}

// session is one live transport connection for an identity.
type session struct {
	id   string
	conn *networking.Conn
}

// NewServer wires the collaborators together.
func NewServer(cfg *config.Config, log *slog.Logger, store *storage.Store, valid validator.Validator, keys networking.KeyPair, auth networking.Authorizer) *Server {
	return &Server{
		cfg:   cfg,
		log:   log,
		store: store,
		valid: valid,
		keys:  keys,
		auth:  auth,
		ctrl: NewController(
			uint32(cfg.MaxDebt), uint32(cfg.MinDebt), uint32(cfg.TransferThreshold),
			time.Duration(cfg.ProbeInterval), time.Duration(cfg.IdleTimeout)),
		events:   make(chan event, 256),
		sessions: make(map[string]*session),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Shutdown cancels every live upload and stops the event loop. It
// returns once the cancellations are routed.
func (s *Server) Shutdown() {
	close(s.quit)
	<-s.done
}

// StartListening binds the routing socket and serves until accept fails.
func (s *Server) StartListening(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on an established listener.
func (s *Server) Serve(listener net.Listener) error {
	defer listener.Close()
	s.log.Info("listening", slog.String("addr", listener.Addr().String()))

	go s.eventLoop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		// Set TCP_NODELAY to always immediately send.
		conn.(*net.TCPConn).SetNoDelay(true)
		ipv4.NewConn(conn).SetTOS(s.cfg.DSCP)
		go s.handleConnection(conn)
	}
}

// handleConnection authenticates one peer and pumps its messages into
// the event loop.
func (s *Server) handleConnection(sock net.Conn) {
	conn, peer, err := networking.ServerHandshake(sock, s.keys, s.auth)
	if err != nil {
		s.log.Info("handshake refused",
			slog.String("remote", sock.RemoteAddr().String()),
			slog.String("error", err.Error()))
		sock.Close()
		return
	}
	id := hex.EncodeToString(peer.Identity[:])
	s.log.Info("peer connected",
		slog.String("identity", id),
		slog.String("client", clientName(s.auth, peer.Public)),
		slog.String("remote", conn.RemoteAddr().String()))
	sess := &session{id: id, conn: conn}
	s.events <- event{kind: evConnect, id: id, sess: sess}

	for {
		msg, err := conn.Recv()
		if err != nil {
			var werr *networking.InvalidMessageError
			if errors.As(err, &werr) {
				// Protocol violation is fatal to the session.
				conn.Send(networking.ErrorMsg{Code: networking.CodeMalformed, Msg: werr.Reason})
				conn.Close()
			}
			s.events <- event{kind: evDisconnect, id: id, sess: sess}
			return
		}
		s.events <- event{kind: evMessage, id: id, sess: sess, msg: msg}
	}
}

// eventLoop serializes every state transition.
func (s *Server) eventLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case evConnect:
				s.onConnect(ev)
			case evDisconnect:
				s.onDisconnect(ev)
			case evMessage:
				s.onMessage(ev)
			}
		case <-ticker.C:
			now := time.Now()
			s.route(s.ctrl.CheckTimeouts(now))
			if s.ctrl.NeedsDistribution() {
				s.route(s.ctrl.Distribute())
			}
		case <-s.quit:
			s.route(s.ctrl.Shutdown())
			close(s.done)
			return
		}
	}
}

// onConnect installs the newest transport session for an identity.
// A reconnecting client hands over from its dead predecessor.
func (s *Server) onConnect(ev event) {
	if old, ok := s.sessions[ev.id]; ok && old != ev.sess {
		old.conn.Close()
	}
	s.sessions[ev.id] = ev.sess
	s.log.Debug("session attached", slog.String("identity", ev.id))
}

// onDisconnect drops the session but keeps upload state for resumption.
func (s *Server) onDisconnect(ev event) {
	if cur, ok := s.sessions[ev.id]; ok && cur == ev.sess {
		delete(s.sessions, ev.id)
	}
	ev.sess.conn.Close()
	s.log.Debug("session detached", slog.String("identity", ev.id))
}

func (s *Server) onMessage(ev event) {
	now := time.Now()

	if post, ok := ev.msg.(networking.PostFile); ok {
		s.onPostFile(ev.id, post, now)
	} else {
		upload, ok := s.ctrl.Lookup(ev.id)
		if !ok {
			s.send(ev.id, networking.ErrorMsg{Code: networking.CodeMalformed, Msg: "unknown connection"})
			return
		}
		var res Result
		switch m := ev.msg.(type) {
		case networking.PostChunk:
			res = upload.HandleChunk(m, now)
		case networking.QueryStatus:
			res = upload.HandleQueryStatus(now)
		case networking.ErrorMsg:
			res = upload.HandleError(m, now)
		default:
			res = Result{Replies: []networking.Message{
				networking.ErrorMsg{Code: networking.CodeMalformed, Msg: "unexpected message " + ev.msg.Tag()},
			}}
		}
		for _, reply := range res.Replies {
			s.send(ev.id, reply)
		}
		s.ctrl.Apply(upload, res)
	}

	if s.ctrl.NeedsDistribution() {
		s.route(s.ctrl.Distribute())
	}
}

// onPostFile runs admission: overlap rules, filename constraints,
// metadata validation, staging allocation and approval.
func (s *Server) onPostFile(id string, post networking.PostFile, now time.Time) {
	if live, ok := s.ctrl.Lookup(id); ok {
		res, conflicted := live.HandleRepost(post, now)
		for _, reply := range res.Replies {
			s.send(id, reply)
		}
		s.ctrl.Apply(live, res)
		if !conflicted {
			return
		}
		// The conflicting announcement is admitted as a fresh upload.
	}

	if err := checkFilename(post.Filename); err != nil {
		s.log.Info("rejected filename", slog.String("error", err.Error()))
		s.send(id, networking.ErrorMsg{Code: networking.CodeMalformed, Msg: err.Error()})
		return
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(post.Meta, &meta); err != nil {
		s.send(id, networking.ErrorMsg{Code: networking.CodeMalformed, Msg: "metadata is not a JSON object"})
		return
	}

	if err := s.valid.Validate(post.Filename, meta); err != nil {
		var reject *validator.Reject
		if errors.As(err, &reject) {
			s.log.Info("metadata rejected", slog.String("filename", post.Filename), slog.String("msg", reject.Msg))
			s.send(id, networking.ErrorMsg{Code: reject.Code, Msg: reject.Msg})
			return
		}
		var transient *validator.Transient
		if errors.As(err, &transient) {
			s.send(id, networking.ErrorMsg{Code: networking.CodeNoCapacity, Msg: "retry later: " + transient.Msg})
			return
		}
		s.send(id, networking.ErrorMsg{Code: networking.CodeInternal, Msg: err.Error()})
		return
	}

	uploadID := uuid.New().String()
	file, err := s.store.Open(uploadID, post.Filename, post.Meta)
	if err != nil {
		s.log.Error("could not stage upload",
			slog.String("filename", post.Filename), slog.String("error", err.Error()))
		code := uint32(networking.CodeInternal)
		if errors.Is(err, storage.ErrDestinationTaken) {
			code = networking.CodeConflict
		}
		s.send(id, networking.ErrorMsg{Code: code, Msg: err.Error()})
		return
	}

	credit := s.ctrl.InitialCredit(uint32(s.cfg.Maxqueue))
	upload := NewUpload(uploadID, id, post.Filename, post.Meta, file,
		uint32(s.cfg.Chunksize), uint32(s.cfg.Maxqueue), credit, now, s.log)
	s.ctrl.Register(upload)
	s.log.Info("upload approved",
		slog.String("upload_id", uploadID),
		slog.String("filename", post.Filename),
		slog.Uint64("credit", uint64(credit)))
	s.send(id, upload.Approved())
}

// send routes a message to the identity's current session. Peers
// without a live session simply miss the message; the status handshake
// repairs that after they reconnect.
func (s *Server) send(id string, msg networking.Message) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	// A stalled peer must not block the event loop.
	sess.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := sess.conn.Send(msg); err != nil {
		s.log.Debug("send failed, dropping session",
			slog.String("identity", id), slog.String("error", err.Error()))
		sess.conn.Close()
		delete(s.sessions, id)
	}
}

func (s *Server) route(targeted []Targeted) {
	for _, t := range targeted {
		s.send(t.Identity, t.Msg)
	}
}

// clientName resolves the authorized key stem when the authorizer
// tracks one, as the directory authorizer does.
func clientName(auth networking.Authorizer, public [32]byte) string {
	if named, ok := auth.(interface{ Name([32]byte) string }); ok {
		return named.Name(public)
	}
	return ""
}

// checkFilename enforces the admission constraints on remote names.
func checkFilename(name string) error {
	switch {
	case name == "":
		return errors.New("empty filename")
	case len(name) > constants.MAX_FILENAME_LEN:
		return errors.New("filename too long")
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.New("filename must not contain path separators")
	case strings.HasPrefix(name, ".."):
		return errors.New("filename must not start with dot-dot")
	}
	return nil
}
