package sipcall

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sebas/agibridge/internal/agi"
	"github.com/sebas/agibridge/internal/media"
	"github.com/sebas/agibridge/internal/store"
)

const (
	// activeCallTTL bounds how long a call stays registered
	activeCallTTL = 4 * time.Hour
	// endedCallTTL keeps ended calls around to absorb retransmissions
	// (RFC 3261 Timer B)
	endedCallTTL  = 32 * time.Second
	sweepInterval = 10 * time.Second
)

// Config configures the SIP front end.
type Config struct {
	BindAddr      string
	AdvertiseAddr string
	Port          int
	RTPPortMin    int
	RTPPortMax    int
	RecordingsDir string
	Prompts       Prompts
	Logger        *slog.Logger
}

// Handler drives one inbound call. It runs in its own goroutine; a call
// still up when it returns is hung up.
type Handler func(ctx context.Context, call *Call)

// Server accepts inbound calls over SIP/UDP.
type Server struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	ports    *media.PortPool
	rec      *recorder
	handler  Handler
	log      *slog.Logger

	// calls are keyed by SIP Call-ID
	calls *store.TTLStore[string, *registered]

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

type registered struct {
	call *Call
	leg  *inboundLeg
}

// NewServer creates the user agent and registers the request handlers.
func NewServer(cfg Config, handler Handler) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		dialogUA: &sipgo.DialogUA{
			Client: client,
			ContactHDR: sip.ContactHeader{
				Address: sip.Uri{
					Scheme: "sip",
					User:   "agibridge",
					Host:   cfg.AdvertiseAddr,
					Port:   cfg.Port,
				},
			},
		},
		ports:   media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		rec:     newRecorder(cfg.RecordingsDir, logger),
		handler: handler,
		log:     logger,
		baseCtx: context.Background(),
	}
	s.calls = store.NewTTLStore[string, *registered](sweepInterval, func(callID string, r *registered) {
		s.log.Debug("[SIP] Call evicted", "sip_call_id", callID, "state", r.call.State())
	})

	srv.OnRequest(sip.INVITE, s.handleInvite)
	srv.OnRequest(sip.ACK, s.handleAck)
	srv.OnRequest(sip.BYE, s.handleBye)
	srv.OnRequest(sip.CANCEL, s.handleCancel)
	srv.OnRequest(sip.OPTIONS, s.respondOK)
	srv.OnRequest(sip.NOTIFY, s.respondOK)

	s.log.Info("[SIP] Handlers registered", "methods", "INVITE, ACK, BYE, CANCEL, OPTIONS, NOTIFY")
	return s, nil
}

// ListenAndServe serves SIP over UDP until ctx is done. Call handlers get
// ctx as their base context.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(s.cfg.Port))
	s.log.Info("[SIP] Listening", "addr", addr, "advertise", s.cfg.AdvertiseAddr)
	if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip listen %s: %w", addr, err)
	}
	return nil
}

// ActiveCalls counts calls that have not ended.
func (s *Server) ActiveCalls() int {
	n := 0
	s.calls.ForEach(func(_ string, r *registered) bool {
		if r.call.IsActive() {
			n++
		}
		return true
	})
	return n
}

// Close hangs up every active call, waits for call handlers and shuts the
// user agent down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.calls.ForEach(func(_ string, r *registered) bool {
		if r.call.IsActive() {
			_ = r.call.Hangup(ctx)
		}
		return true
	})
	s.wg.Wait()
	s.calls.Close()
	return s.ua.Close()
}

func sipCallID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		s.log.Warn("[SIP] Failed to respond", "status", code, "error", err)
	}
}

func (s *Server) respondOK(req *sip.Request, tx sip.ServerTransaction) {
	s.respond(req, tx, sip.StatusOK, "OK")
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := sipCallID(req)
	if callID == "" {
		s.respond(req, tx, 400, "Missing Call-ID")
		return
	}
	if r, ok := s.calls.Get(callID); ok && r.call.IsActive() {
		// re-INVITEs are not negotiated; the current session stays
		s.log.Warn("[SIP] INVITE for existing call", "sip_call_id", callID)
		s.respond(req, tx, 488, "Not Acceptable Here")
		return
	}
	s.log.Info("[SIP] Received INVITE", "sip_call_id", callID, "from", req.From(), "to", req.To())
	s.respond(req, tx, sip.StatusTrying, "Trying")

	offer, err := media.ParseOffer(req.Body())
	if err != nil || !offer.SupportsPCMU() {
		if err == nil {
			err = media.ErrNoCommonCodec
		}
		s.log.Warn("[SIP] Unusable SDP offer", "sip_call_id", callID, "error", err)
		s.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	conn, release, err := s.ports.Listen(s.cfg.BindAddr)
	if err != nil {
		s.log.Error("[SIP] No RTP port", "sip_call_id", callID, "error", err)
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}
	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(offer.Addr, strconv.Itoa(offer.Port)))
	if err != nil || remote.IP.IsUnspecified() {
		// latched from the first inbound packet instead
		remote = nil
	}

	answer, err := media.BuildAnswer(s.cfg.AdvertiseAddr, localPort, offer.DTMFPayloadType)
	if err != nil {
		conn.Close()
		release()
		s.log.Error("[SIP] Failed to build SDP answer", "sip_call_id", callID, "error", err)
		s.respond(req, tx, sip.StatusInternalServerError, "Server Error")
		return
	}

	logger := s.log.With("sip_call_id", callID)
	var mediaRemote net.Addr
	if remote != nil {
		mediaRemote = remote
	}
	rtp := media.NewSession(conn, release, mediaRemote, offer.DTMFPayloadType, logger)
	leg := newInboundLeg(req, tx, answer, s.client, s.dialogUA, logger)
	call := newCall(callConfig{
		parties:      partiesFromInvite(req),
		sig:          leg,
		media:        rtp,
		prompts:      s.cfg.Prompts,
		recordings:   s.rec,
		logger:       logger,
		initialState: agi.StateRinging,
		onEnd: func(c *Call) {
			leg.terminate()
			s.calls.Set(callID, &registered{call: c, leg: leg}, endedCallTTL)
		},
	})
	s.calls.Set(callID, &registered{call: call, leg: leg}, activeCallTTL)

	s.respond(req, tx, 180, "Ringing")
	rtp.Start()
	s.log.Info("[SIP] Call ringing", "sip_call_id", callID, "call_id", call.ID(), "rtp_port", localPort)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handler(ctx, call)
		if call.IsActive() {
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := call.Hangup(hctx); err != nil {
				s.log.Warn("[SIP] Hangup after handler failed", "call_id", call.ID(), "error", err)
			}
			cancel()
		}
	}()

	// the INVITE transaction ending before an answer means the caller gave up
	go func() {
		select {
		case <-tx.Done():
			if !leg.finalSent.Load() && call.IsActive() {
				call.end("caller-abandoned")
			}
		case <-call.Done():
		}
	}()
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	r, ok := s.calls.Get(sipCallID(req))
	if !ok {
		s.log.Debug("[SIP] ACK for unknown call", "sip_call_id", sipCallID(req))
		return
	}
	r.leg.readAck(req, tx)
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := sipCallID(req)
	r, ok := s.calls.Get(callID)
	if !ok {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	r.leg.readBye(req, tx)
	r.call.end("remote-hangup")
	s.log.Info("[SIP] BYE received", "sip_call_id", callID, "call_id", r.call.ID())
}

func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := sipCallID(req)
	r, ok := s.calls.Get(callID)
	if !ok {
		s.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if r.leg.cancel(req, tx) {
		r.call.end("canceled")
		s.log.Info("[SIP] CANCEL received", "sip_call_id", callID, "call_id", r.call.ID())
	}
}

// partiesFromInvite extracts caller, callee and headers. Header names are
// lower-cased; repeated headers keep the first value.
func partiesFromInvite(req *sip.Request) Parties {
	p := Parties{SIPCallID: sipCallID(req), Headers: map[string]string{}}
	if from := req.From(); from != nil {
		p.CallerID = from.Address.User
		p.CallerName = strings.Trim(from.DisplayName, `"`)
	}
	if to := req.To(); to != nil {
		p.CalledID = to.Address.User
		if p.CalledID == "" {
			p.CalledID = to.Address.Host
		}
	}
	for _, h := range req.Headers() {
		name := strings.ToLower(h.Name())
		if _, seen := p.Headers[name]; !seen {
			p.Headers[name] = h.Value()
		}
	}
	return p
}
