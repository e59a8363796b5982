package sipcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// DialogState is the UAS dialog lifecycle.
type DialogState int

const (
	DialogEarly DialogState = iota
	DialogWaitingACK
	DialogConfirmed
	DialogTerminated
)

func (s DialogState) String() string {
	switch s {
	case DialogEarly:
		return "Early"
	case DialogWaitingACK:
		return "WaitingACK"
	case DialogConfirmed:
		return "Confirmed"
	case DialogTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[DialogState][]DialogState{
	DialogEarly:      {DialogWaitingACK, DialogTerminated},
	DialogWaitingACK: {DialogConfirmed, DialogTerminated},
	DialogConfirmed:  {DialogTerminated},
}

// CanTransitionTo reports whether next may follow s.
func (s DialogState) CanTransitionTo(next DialogState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var errDialogTerminated = errors.New("dialog terminated")

// inboundLeg is the SIP dialog of an inbound call, seen from the UAS side.
type inboundLeg struct {
	invite   *sip.Request
	tx       sip.ServerTransaction
	answer   []byte
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	log      *slog.Logger

	// finalSent is set before the INVITE gets its final response
	finalSent atomic.Bool

	mu      sync.Mutex
	state   DialogState
	session *sipgo.DialogServerSession
	cseq    atomic.Uint32
}

func newInboundLeg(req *sip.Request, tx sip.ServerTransaction, answer []byte, client *sipgo.Client, dialogUA *sipgo.DialogUA, logger *slog.Logger) *inboundLeg {
	l := &inboundLeg{
		invite:   req,
		tx:       tx,
		answer:   answer,
		client:   client,
		dialogUA: dialogUA,
		log:      logger,
	}
	if cseq := req.CSeq(); cseq != nil {
		l.cseq.Store(cseq.SeqNo)
	}
	return l
}

func (l *inboundLeg) State() DialogState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *inboundLeg) transition(next DialogState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid dialog transition: %s -> %s", l.state, next)
	}
	l.state = next
	return nil
}

func (l *inboundLeg) respondProvisional(code sip.StatusCode, reason string) error {
	return l.tx.Respond(sip.NewResponseFromRequest(l.invite, code, reason, nil))
}

// Answer sends 200 OK with the SDP answer and opens the sipgo dialog
// session.
func (l *inboundLeg) Answer(_ context.Context) error {
	if l.State() != DialogEarly {
		return errDialogTerminated
	}
	l.finalSent.Store(true)
	session, err := l.dialogUA.ReadInvite(l.invite, l.tx)
	if err != nil {
		return fmt.Errorf("failed to create dialog session: %w", err)
	}
	if err := session.RespondSDP(l.answer); err != nil {
		_ = session.Close()
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}

	l.mu.Lock()
	l.session = session
	l.mu.Unlock()
	if err := l.transition(DialogWaitingACK); err != nil {
		l.log.Warn("[Dialog] State transition failed", "error", err)
	}
	l.log.Info("[Dialog] Sent 200 OK")
	return nil
}

// Respond ends the INVITE transaction with a final non-2xx response.
func (l *inboundLeg) Respond(code int, reason, contact string) error {
	if l.State() != DialogEarly {
		return errDialogTerminated
	}
	l.finalSent.Store(true)
	res := sip.NewResponseFromRequest(l.invite, sip.StatusCode(code), reason, nil)
	if contact != "" {
		var uri sip.Uri
		if err := sip.ParseUri(contact, &uri); err != nil {
			return fmt.Errorf("parse contact %q: %w", contact, err)
		}
		res.AppendHeader(&sip.ContactHeader{Address: uri})
	}
	if err := l.tx.Respond(res); err != nil {
		return fmt.Errorf("failed to send %d: %w", code, err)
	}
	l.terminate()
	l.log.Info("[Dialog] Sent final response", "status", code, "contact", contact)
	return nil
}

func (l *inboundLeg) Bye(ctx context.Context) error {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil || l.State() == DialogTerminated {
		return nil
	}
	err := session.Bye(ctx)
	l.terminate()
	if err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	l.log.Info("[Dialog] BYE sent")
	return nil
}

// Refer sends an in-dialog REFER and waits for its final response.
func (l *inboundLeg) Refer(ctx context.Context, target string, headers map[string]string) (int, error) {
	if st := l.State(); st != DialogConfirmed && st != DialogWaitingACK {
		return 0, fmt.Errorf("cannot REFER in state %s", st)
	}
	req, err := l.buildInDialog(sip.REFER)
	if err != nil {
		return 0, err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+target+">"))
	for name, value := range headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}

	tx, err := l.client.TransactionRequest(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("failed to send REFER: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-tx.Done():
			return 0, fmt.Errorf("REFER transaction ended without final response: %w", tx.Err())
		case resp := <-tx.Responses():
			if resp == nil {
				return 0, errors.New("REFER transaction terminated without response")
			}
			if resp.StatusCode < 200 {
				continue
			}
			l.log.Info("[Dialog] REFER answered", "target", target, "status", resp.StatusCode)
			return int(resp.StatusCode), nil
		}
	}
}

// buildInDialog builds a request inside the dialog. From and To are swapped
// relative to the INVITE since this side answered it.
func (l *inboundLeg) buildInDialog(method sip.RequestMethod) (*sip.Request, error) {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil || session.InviteResponse == nil {
		return nil, fmt.Errorf("cannot build %s: dialog not answered", method)
	}
	return buildInDialog(l.invite, session.InviteResponse, l.dialogUA.ContactHDR.Address, method, l.cseq.Add(1))
}

func buildInDialog(invite *sip.Request, answer *sip.Response, localContact sip.Uri, method sip.RequestMethod, cseq uint32) (*sip.Request, error) {
	var recipient sip.Uri
	if contact := invite.Contact(); contact != nil {
		recipient = contact.Address
		recipient.UriParams = sip.NewParams()
	} else if from := invite.From(); from != nil {
		recipient = from.Address
	} else {
		return nil, fmt.Errorf("cannot build %s: INVITE has neither Contact nor From", method)
	}

	req := sip.NewRequest(method, recipient)
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, req)
	}
	if to := answer.To(); to != nil {
		req.AppendHeader(&sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params.Clone(),
		})
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(&sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		})
	}
	if callID := invite.CallID(); callID != nil {
		req.AppendHeader(callID)
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})
	return req, nil
}

func (l *inboundLeg) readAck(req *sip.Request, tx sip.ServerTransaction) {
	if l.State() != DialogWaitingACK {
		l.log.Debug("[Dialog] ACK ignored", "state", l.State())
		return
	}
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if err := session.ReadAck(req, tx); err != nil {
		l.log.Warn("[Dialog] Failed to read ACK", "error", err)
	}
	if err := l.transition(DialogConfirmed); err != nil {
		l.log.Warn("[Dialog] State transition failed", "error", err)
	}
}

func (l *inboundLeg) readBye(req *sip.Request, tx sip.ServerTransaction) {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session != nil {
		if err := session.ReadBye(req, tx); err != nil {
			l.log.Warn("[Dialog] Failed to read BYE", "error", err)
		}
	} else if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		l.log.Warn("[Dialog] Failed to respond to BYE", "error", err)
	}
	l.terminate()
}

// cancel answers a CANCEL and ends the pending INVITE with 487.
func (l *inboundLeg) cancel(req *sip.Request, tx sip.ServerTransaction) bool {
	if l.State() != DialogEarly {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return false
	}
	l.finalSent.Store(true)
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	_ = l.tx.Respond(sip.NewResponseFromRequest(l.invite, 487, "Request Terminated", nil))
	l.terminate()
	return true
}

func (l *inboundLeg) terminate() {
	l.mu.Lock()
	already := l.state == DialogTerminated
	l.state = DialogTerminated
	session := l.session
	l.mu.Unlock()
	if !already && session != nil {
		_ = session.Close()
	}
}
