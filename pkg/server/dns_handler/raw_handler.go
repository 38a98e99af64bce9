package dns_handler

import (
	"context"
	"errors"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

// RawHandler lets a server drive the pipeline directly off an
// already-constructed Context, instead of round-tripping through a
// *dns.Msg. This is what makes the cache stage's zero-unpack fast path
// actually save work: when it hits, qCtx.RawR() holds the wire bytes to
// write and nothing downstream needs to unpack or repack a dns.Msg.
type RawHandler interface {
	Handler
	ServeDNSRaw(ctx context.Context, qCtx *query_context.Context) error
}

var _ RawHandler = (*EntryHandler)(nil)

// ServeDNSRaw runs the pipeline against an already-built Context. Like
// ServeDNS, it answers FORMERR without running the pipeline when the
// question section is empty or holds an invalid name.
func (h *EntryHandler) ServeDNSRaw(ctx context.Context, qCtx *query_context.Context) error {
	execCtx, cancel := context.WithTimeout(ctx, h.opts.QueryTimeout)
	defer cancel()

	req := qCtx.Q()
	origID := req.Id

	if len(req.Question) == 0 {
		qCtx.SetResponse(h.responseFormErr(req))
		return nil
	}
	for _, question := range req.Question {
		if _, ok := dns.IsDomainName(question.Name); !ok {
			qCtx.SetResponse(h.responseFormErr(req))
			return nil
		}
	}

	err := h.opts.Entry.Exec(execCtx, qCtx, nil)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			h.opts.Logger.Debug("query interrupted", qCtx.InfoField(), zap.Error(err))
		} else {
			h.opts.Logger.Warn("entry returned an err", qCtx.InfoField(), zap.Error(err))
		}
	}

	// A raw fast-path response takes priority; the ID patch already
	// happened inside the cache stage, and the server writes it as-is.
	if qCtx.RawR() != nil {
		return err
	}

	respMsg := qCtx.R()
	if respMsg == nil {
		respMsg = new(dns.Msg)
		respMsg.SetReply(req)
		if err != nil {
			respMsg.Rcode = dns.RcodeServerFailure
		} else {
			respMsg.Rcode = dns.RcodeRefused
		}
		qCtx.SetResponse(respMsg)
	}

	if h.opts.RecursionAvailable {
		respMsg.RecursionAvailable = true
	}
	respMsg.Id = origID

	return nil
}
