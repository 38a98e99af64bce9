/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package bundled_upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/IrineSistiana/smartfwd/pkg/query_context"
)

type Upstream interface {
	Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
	Trusted() bool
	Address() string
}

// HealthTracker is implemented by an Upstream that knows its own
// back-off state. FilterHealthy uses it to skip members currently in
// back-off, except when doing so would empty the group entirely.
type HealthTracker interface {
	Healthy() bool
}

// ResultRecorder is implemented by an Upstream that wants every exchange
// outcome fed back into its health state.
type ResultRecorder interface {
	RecordResult(err error)
}

const (
	unhealthyThreshold = 3
	backoffBase        = 5 * time.Second
	backoffMax         = 5 * time.Minute
)

// HealthState is an embeddable consecutive-failure counter and
// back-off-until clock. A run of unhealthyThreshold failures backs the
// member off for an exponentially growing window, capped at
// backoffMax; any success clears it immediately.
type HealthState struct {
	fails        atomic.Int32
	mu           sync.Mutex
	backoffUntil time.Time
}

func (h *HealthState) Healthy() bool {
	h.mu.Lock()
	until := h.backoffUntil
	h.mu.Unlock()
	return until.IsZero() || time.Now().After(until)
}

func (h *HealthState) RecordResult(err error) {
	if err == nil {
		h.fails.Store(0)
		h.mu.Lock()
		h.backoffUntil = time.Time{}
		h.mu.Unlock()
		return
	}

	n := h.fails.Add(1)
	if n < unhealthyThreshold {
		return
	}
	shift := n - unhealthyThreshold
	if shift > 6 { // backoffBase<<7 already exceeds backoffMax; avoid overflow
		shift = 6
	}
	d := backoffBase << uint(shift)
	if d <= 0 || d > backoffMax {
		d = backoffMax
	}
	h.mu.Lock()
	h.backoffUntil = time.Now().Add(d)
	h.mu.Unlock()
}

// FilterHealthy drops members currently in back-off, unless that would
// leave the group empty: health never prevents the last member of a
// group from being tried.
func FilterHealthy(upstreams []Upstream) []Upstream {
	healthy := make([]Upstream, 0, len(upstreams))
	for _, u := range upstreams {
		if ht, ok := u.(HealthTracker); ok && !ht.Healthy() {
			continue
		}
		healthy = append(healthy, u)
	}
	if len(healthy) == 0 {
		return upstreams
	}
	return healthy
}

func recordResult(u Upstream, err error) {
	if rr, ok := u.(ResultRecorder); ok {
		rr.RecordResult(err)
	}
}

// Policy selects how a group's members are raced against each other.
type Policy int

const (
	PolicyParallelFastest Policy = iota
	PolicySequential
	PolicyRace
)

// ParsePolicy maps a group_policy config string to a Policy, defaulting
// to PolicyParallelFastest for anything unrecognized.
func ParsePolicy(s string) Policy {
	switch s {
	case "sequential":
		return PolicySequential
	case "race":
		return PolicyRace
	default:
		return PolicyParallelFastest
	}
}

// RaceWindow is the extra wait after the first qualifying NOERROR
// response under PolicyRace, during which a response carrying more
// answers can still win.
const RaceWindow = 50 * time.Millisecond

type parallelResult struct {
	r    *dns.Msg
	err  error
	from Upstream
}

var nopLogger = zap.NewNop()
var ErrAllFailed = errors.New("all upstreams failed")

// ExchangeParallel fans a query out to every upstream concurrently.
// Under PolicyParallelFastest the first qualifying NOERROR response
// wins immediately; under PolicyRace it keeps collecting for an extra
// RaceWindow after the first qualifying response and picks whichever
// candidate carries the most answers.
func ExchangeParallel(ctx context.Context, qCtx *query_context.Context, upstreams []Upstream, policy Policy, logger *zap.Logger) (*dns.Msg, error) {
	if logger == nil {
		logger = nopLogger
	}

	t := len(upstreams)
	if t == 0 {
		return nil, ErrAllFailed
	}

	q := qCtx.Q()
	if t == 1 {
		r, err := upstreams[0].Exchange(ctx, q)
		recordResult(upstreams[0], err)
		return r, err
	}

	// Rule: Use caller's context directly. Racing ends when the first success is found.
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	c := make(chan *parallelResult, t)

	for _, u := range upstreams {
		u := u
		qCopy := q.Copy()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := u.Exchange(taskCtx, qCopy)
			recordResult(u, err)
			select {
			case c <- &parallelResult{r: r, err: err, from: u}:
			case <-taskCtx.Done():
				return
			}
		}()
	}

	go func() {
		wg.Wait()
		close(c)
	}()

	errMsgs := make([]string, 0, t)
	var trustedResponse *dns.Msg
	var raceBest *dns.Msg
	var raceDeadline <-chan time.Time

	for {
		var res *parallelResult
		var ok bool
		if raceDeadline != nil {
			select {
			case res, ok = <-c:
			case <-raceDeadline:
				cancel()
				return raceBest, nil
			}
		} else {
			res, ok = <-c
		}
		if !ok {
			break
		}

		if res.err != nil {
			// Rule: Distinguish between racing cancellation, timeout, and actual network errors.
			if errors.Is(res.err, context.Canceled) {
				logger.Debug("upstream exchange canceled (racing loser)",
					qCtx.InfoField(),
					zap.String("addr", res.from.Address()))
			} else if errors.Is(res.err, context.DeadlineExceeded) {
				logger.Warn("upstream exchange timed out",
					qCtx.InfoField(),
					zap.String("addr", res.from.Address()))
			} else {
				logger.Warn("upstream exchange failed",
					qCtx.InfoField(),
					zap.String("addr", res.from.Address()),
					zap.Bool("trusted", res.from.Trusted()),
					zap.Error(res.err))

				// Only aggregate errors from trusted upstreams to reduce log noise.
				if res.from.Trusted() {
					errMsgs = append(errMsgs, fmt.Sprintf("[%s: %v]", res.from.Address(), res.err))
				}
			}
			continue
		}

		if res.r == nil {
			continue
		}

		// Success-priority Rule:
		// A NOERROR with a non-empty Answer qualifies. Under
		// parallel-fastest the first one wins outright; under race we
		// keep it as the current best and wait RaceWindow for a better one.
		if res.r.Rcode == dns.RcodeSuccess && len(res.r.Answer) > 0 {
			if policy != PolicyRace {
				cancel()
				return res.r, nil
			}
			if raceBest == nil || len(res.r.Answer) > len(raceBest.Answer) {
				raceBest = res.r
			}
			if raceDeadline == nil {
				raceDeadline = time.After(RaceWindow)
			}
			continue
		}

		// Fallback Rule:
		// Deterministically keep the first trusted response (including NXDOMAIN/NODATA)
		// as a fallback if no "perfect" NOERROR response is received from others.
		if res.from.Trusted() && trustedResponse == nil {
			trustedResponse = res.r
			if res.r.Rcode != dns.RcodeSuccess {
				errMsgs = append(errMsgs, fmt.Sprintf("[%s: rcode %s]", res.from.Address(), dns.RcodeToString[res.r.Rcode]))
			}
		} else if !res.from.Trusted() {
			logger.Debug("discarded untrusted error response",
				qCtx.InfoField(),
				zap.String("addr", res.from.Address()),
				zap.String("rcode", dns.RcodeToString[res.r.Rcode]),
				zap.Bool("trusted", false))
		}
	}

	// Channel closed (every member finished) before the race window elapsed.
	if raceBest != nil {
		return raceBest, nil
	}

	// No "Success + Answer" found. Return the first available trusted response.
	if trustedResponse != nil {
		return trustedResponse, nil
	}

	// Check if the entire process failed due to parent context deadline.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Use %w to wrap ErrAllFailed so callers can still use errors.Is().
	var detailedErr error
	if len(errMsgs) > 0 {
		detailedErr = fmt.Errorf("%w: %s", ErrAllFailed, strings.Join(errMsgs, ", "))
	} else {
		detailedErr = ErrAllFailed
	}

	logger.Warn("parallel exchange failed",
		qCtx.InfoField(),
		zap.Error(detailedErr))

	return nil, detailedErr
}

// ExchangeSequential tries members in order, advancing only on
// transport failure; a DNS-level non-success rcode is returned as-is
// and does not fall through to the next member.
func ExchangeSequential(ctx context.Context, qCtx *query_context.Context, upstreams []Upstream, logger *zap.Logger) (*dns.Msg, error) {
	if logger == nil {
		logger = nopLogger
	}

	q := qCtx.Q()
	var lastErr error
	for _, u := range upstreams {
		r, err := u.Exchange(ctx, q.Copy())
		recordResult(u, err)
		if err != nil {
			lastErr = err
			logger.Warn("sequential upstream exchange failed", qCtx.InfoField(), zap.String("addr", u.Address()), zap.Error(err))
			continue
		}
		return r, nil
	}
	if lastErr == nil {
		lastErr = ErrAllFailed
	}
	return nil, lastErr
}
