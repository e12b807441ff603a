package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/arbiter"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/checkpoint"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/live/transport"
	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/recorder"
)

type message interface{}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPause
	cmdReconnect
	cmdRefresh
	cmdSendText
	cmdEnd
)

type command struct {
	kind  commandKind
	arg   string
	reply chan error
}

type inspect struct {
	fn    func()
	reply chan error
}

// connectResult carries whatever a connect attempt obtained. When devices
// is set the error came from claiming the microphone and nothing was dialed.
type connectResult struct {
	gen     int
	token   *arbiter.Token
	session transport.Session
	err     error
	devices bool
}

type sessionEvent struct {
	gen int
	ev  transport.Event
}

type timerKind int

const (
	timerRotation timerKind = iota
	timerReconnect
	timerCoolOff
)

func (k timerKind) String() string {
	switch k {
	case timerRotation:
		return "rotation"
	case timerReconnect:
		return "reconnect"
	default:
		return "cool_off"
	}
}

type timerFired struct {
	seq  uint64
	kind timerKind
}

type devicesRevoked struct {
	gen int
}

// Connect triggers. Failures of rotation and reconnect attempts feed the
// retry budget; a failed start or manual reconnect goes back to Idle.
const (
	triggerStart     = "start"
	triggerManual    = "manual"
	triggerRotation  = "rotation"
	triggerReconnect = "reconnect"
)

func (c *Controller) run() {
	defer close(c.done)
	defer c.closeSubscribers()
	defer c.drainMailbox()
	for msg := range c.mailbox {
		terminated := c.handle(msg)
		c.publish()
		if terminated {
			return
		}
	}
}

func (c *Controller) handle(msg message) bool {
	switch m := msg.(type) {
	case command:
		err := c.handleCommand(m)
		// Callers of a command see its effect in Status once it returns.
		c.publish()
		m.reply <- err
		return m.kind == cmdEnd
	case inspect:
		m.fn()
		m.reply <- nil
	case connectResult:
		c.handleConnectResult(m)
	case sessionEvent:
		c.handleSessionEvent(m)
	case timerFired:
		c.handleTimer(m)
	case devicesRevoked:
		if m.gen == c.gen && c.token != nil {
			c.deps.Logger.Warn("device ownership revoked by another conversation")
			c.teardown()
			c.deps.Player.Interrupt()
			c.setState(StateIdle, ReasonDeviceRevoked)
		}
	}
	return false
}

func (c *Controller) handleCommand(m command) error {
	if c.state == StateTerminated {
		return core.ErrClosed
	}
	switch m.kind {
	case cmdStart:
		if c.state != StateIdle {
			return fmt.Errorf("controller: cannot start from %s", c.state)
		}
		c.resetRetries()
		c.deps.Player.Resume()
		c.connect(triggerStart)
		return nil

	case cmdReconnect:
		if c.state != StateIdle && c.state != StateRateLimited {
			return fmt.Errorf("controller: cannot reconnect from %s", c.state)
		}
		c.resetRetries()
		c.deps.Player.Resume()
		c.connect(triggerManual)
		return nil

	case cmdPause:
		switch c.state {
		case StateIdle:
			return nil
		case StateRateLimited:
			c.setState(StateIdle, ReasonPaused)
			return nil
		}
		c.teardown()
		c.deps.Player.Interrupt()
		c.setState(StateIdle, ReasonPaused)
		return nil

	case cmdRefresh:
		if c.state != StateActive {
			return fmt.Errorf("controller: cannot refresh from %s: %w", c.state, ErrNotActive)
		}
		c.maybeRotate("refresh")
		return nil

	case cmdSendText:
		if c.state != StateActive || c.session == nil {
			return ErrNotActive
		}
		if err := c.session.SendText(m.arg); err != nil {
			return err
		}
		c.transcript.Append(types.RoleUser, m.arg, c.deps.Clock.Now())
		return nil

	case cmdEnd:
		c.end()
		return nil
	}
	return fmt.Errorf("controller: unknown command %d", m.kind)
}

// connect moves to Connecting with a descriptor reseeded from the current
// transcript, claims the devices and dials in the background.
func (c *Controller) connect(trigger string) {
	c.gen++
	gen := c.gen
	c.trigger = trigger
	now := c.deps.Clock.Now()
	c.desc = c.nextDescriptor(now)
	c.setState(StateConnecting, "")

	ctx, cancel := context.WithCancel(c.ctx)
	c.connectCancel = cancel
	c.connectStart = time.Now()
	desc := c.desc
	c.deps.Logger.Info("connecting", "trigger", trigger, "generation", gen, "descriptor_id", desc.ID, "attempt", c.retries)

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		res := c.dial(ctx, gen, desc)
		if !c.post(res) {
			c.discard(res)
		}
	}()
}

// dial claims the devices and then opens the session. It runs off the loop,
// so waiting for another holder to let go never stalls commands.
func (c *Controller) dial(ctx context.Context, gen int, desc types.Descriptor) connectResult {
	tok, err := c.acquireDevices(ctx, gen)
	if err != nil {
		return connectResult{gen: gen, err: err, devices: true}
	}
	sess, err := c.deps.Dialer.Open(ctx, desc)
	return connectResult{gen: gen, token: tok, session: sess, err: err}
}

func (c *Controller) nextDescriptor(now time.Time) types.Descriptor {
	if c.desc.ID == "" {
		var decls []types.ToolDeclaration
		if c.deps.Tools != nil {
			decls = c.deps.Tools.Registry().Declarations()
		}
		return types.NewDescriptor(c.cfg.Model, c.cfg.Voice, c.cfg.SystemInstruction, decls, now)
	}
	cp := c.cfg.Checkpoint.Build(c.cfg.SystemInstruction, c.transcript.Entries(), c.cfg.DenseCheckpoint, now)
	return checkpoint.Reseed(c.desc, cp, now)
}

// acquireDevices runs on the connect goroutine. devMu keeps attempts of
// this controller from interleaving, and an attempt cancelled while it
// waited for the lock gives up before touching the arbiter.
func (c *Controller) acquireDevices(ctx context.Context, gen int) (*arbiter.Token, error) {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()
	tok, err := c.deps.Arbiter.Acquire(actx, c.cfg.Holder)
	if err != nil {
		return nil, core.NewTransportError("acquire audio devices", err)
	}
	if c.capture != nil {
		if err := c.capture.Start(actx, tok, c.deps.Mic); err != nil {
			tok.Release()
			return nil, err
		}
	}
	tok.OnRevoke(func() {
		c.post(devicesRevoked{gen: gen})
	})
	return tok, nil
}

// discard gives back what a connect attempt obtained after its generation
// was replaced or the loop exited. A token that is still valid means no
// newer attempt has claimed the devices, so the running capture is its own.
func (c *Controller) discard(m connectResult) {
	if m.token != nil {
		c.devMu.Lock()
		if m.token.Valid() {
			if c.capture != nil {
				c.capture.Stop()
			}
			m.token.Release()
		}
		c.devMu.Unlock()
	}
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			c.deps.Logger.Debug("session close", "session_id", m.session.ID(), "err", err)
		}
	}
}

func (c *Controller) releaseDevices() {
	c.live.Store(nil)
	if c.capture != nil {
		c.capture.Stop()
	}
	if c.token != nil {
		c.token.Release()
		c.token = nil
	}
}

// teardown stops whatever connection work is in progress. The session close
// runs in the background; its events are stale from here on.
func (c *Controller) teardown() {
	c.cancelTimer()
	if c.connectCancel != nil {
		c.connectCancel()
		c.connectCancel = nil
	}
	c.releaseDevices()
	if c.session != nil {
		sess := c.session
		c.session = nil
		c.deps.Metrics.RecordSessionClose()
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			if err := sess.Close(); err != nil {
				c.deps.Logger.Debug("session close", "session_id", sess.ID(), "err", err)
			}
		}()
	}
}

func (c *Controller) handleConnectResult(m connectResult) {
	if m.gen != c.gen || c.state != StateConnecting {
		if m.session != nil || m.token != nil {
			c.deps.Logger.Debug("discarding stale connect result", "generation", m.gen)
			c.bg.Add(1)
			go func() {
				defer c.bg.Done()
				c.discard(m)
			}()
		}
		return
	}
	c.connectCancel = nil
	elapsed := time.Since(c.connectStart)

	if m.devices {
		c.lastErr = m.err
		c.deps.Metrics.RecordError(string(core.KindOf(m.err)))
		reason := ReasonConnectFailed
		if core.IsPermission(m.err) {
			reason = ReasonMicDenied
		}
		c.deps.Logger.Error("device acquisition failed", "err", m.err)
		c.setState(StateIdle, reason)
		return
	}

	c.token = m.token
	if m.err != nil {
		c.deps.Metrics.RecordConnect("error", elapsed)
		c.releaseDevices()
		c.fail(m.err)
		return
	}
	if !m.token.Valid() {
		// Another conversation claimed the devices while this one dialed.
		c.deps.Metrics.RecordConnect("revoked", elapsed)
		c.deps.Logger.Warn("device ownership revoked while connecting")
		c.releaseDevices()
		c.bg.Add(1)
		go func() {
			defer c.bg.Done()
			c.discard(connectResult{session: m.session})
		}()
		c.setState(StateIdle, ReasonDeviceRevoked)
		return
	}

	c.deps.Metrics.RecordConnect("ok", elapsed)
	c.deps.Metrics.RecordSessionOpen()
	c.session = m.session
	gen := m.gen
	sess := m.session
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		for ev := range sess.Events() {
			if !c.post(sessionEvent{gen: gen, ev: ev}) {
				return
			}
		}
	}()
}

// fail routes a connect error or an unsolicited session end.
func (c *Controller) fail(err error) {
	classified := transport.Classify(err)
	c.lastErr = classified
	c.deps.Metrics.RecordError(string(classified.Kind))

	if classified.Kind == core.KindRateLimited {
		c.deps.Logger.Warn("rate limited, waiting for manual reconnect", "err", classified)
		c.setState(StateRateLimited, ReasonCoolingDown)
		if c.cfg.CoolOff > 0 {
			c.armTimer(timerCoolOff, c.cfg.CoolOff)
		}
		return
	}

	if !classified.IsRetryable() {
		reason := ReasonSessionFailed
		if c.state == StateConnecting {
			reason = ReasonConnectFailed
		}
		c.deps.Logger.Error("session failed, not retrying", "kind", classified.Kind, "err", classified)
		c.setState(StateIdle, reason)
		return
	}

	switch c.trigger {
	case triggerStart, triggerManual:
		if c.state == StateConnecting {
			c.deps.Logger.Warn("connect failed", "err", classified)
			c.setState(StateIdle, ReasonConnectFailed)
			return
		}
	}
	c.scheduleReconnect(classified)
}

func (c *Controller) scheduleReconnect(err error) {
	if c.backoff == nil {
		c.backoff = c.newReconnectBackoff()
	}
	delay, stop := c.backoff.Next()
	if stop {
		c.deps.Logger.Error("reconnect attempts exhausted", "retries", c.retries, "err", err)
		c.deps.Metrics.RecordReconnect("exhausted")
		c.setState(StateIdle, ReasonRetriesExhausted)
		return
	}
	c.retries++
	c.trigger = triggerReconnect
	c.deps.Logger.Warn("reconnecting", "attempt", c.retries, "delay", delay, "err", err)
	c.deps.Metrics.RecordReconnect("scheduled")
	c.setState(StateReconnecting, "")
	c.armTimer(timerReconnect, delay)
}

// newReconnectBackoff waits base + step×n before the (n+1)th retry and stops
// after MaxRetries.
func (c *Controller) newReconnectBackoff() retry.Backoff {
	var n time.Duration
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		d := c.cfg.ReconnectBase + c.cfg.ReconnectStep*n
		n++
		return d, false
	})
	return retry.WithMaxRetries(uint64(c.cfg.MaxRetries), linear)
}

func (c *Controller) resetRetries() {
	c.retries = 0
	c.backoff = nil
}

func (c *Controller) handleSessionEvent(m sessionEvent) {
	if m.gen != c.gen || c.session == nil {
		if transport.Terminal(m.ev) {
			return
		}
		c.deps.Logger.Debug("stale session event ignored", "event", transport.EventName(m.ev), "generation", m.gen)
		return
	}
	sess := c.session

	switch ev := m.ev.(type) {
	case transport.Opened:
		if c.state != StateConnecting {
			return
		}
		c.resetRetries()
		c.lastErr = nil
		c.setState(StateActive, "")
		c.live.Store(&liveSession{Session: sess})
		c.armTimer(timerRotation, c.rotationDelay())
		c.deps.Logger.Info("session active", "session_id", ev.SessionID, "generation", c.gen)

	case transport.AudioChunk:
		c.deps.Metrics.RecordAudio("in", len(ev.Data))
		c.deps.Player.Enqueue(ev.Data)

	case transport.TranscriptDelta:
		c.transcript.Append(ev.Role, ev.Text, c.deps.Clock.Now())

	case transport.ToolCall:
		c.dispatchTools(sess, ev.Invocations)

	case transport.TurnComplete:
		c.deps.Logger.Debug("turn complete", "session_id", sess.ID())

	case transport.Interrupted:
		c.deps.Metrics.RecordInterrupt()
		c.deps.Player.Interrupt()

	case transport.Closed:
		c.deps.Logger.Warn("session closed by remote", "session_id", sess.ID(), "reason", ev.Reason, "code", ev.Code)
		c.sessionLost(closedError(ev))

	case transport.Error:
		c.deps.Logger.Warn("session failed", "session_id", sess.ID(), "kind", ev.Kind, "err", ev.Message)
		c.sessionLost(errorEventError(ev))
	}
}

func (c *Controller) sessionLost(err error) {
	c.teardown()
	c.fail(err)
}

func closedError(ev transport.Closed) error {
	msg := fmt.Sprintf("session closed: %s (code %d)", ev.Reason, ev.Code)
	if transport.IsRateLimitText(ev.Reason) {
		return core.NewRateLimitError(msg, nil)
	}
	return core.NewTransportError(msg, nil)
}

func errorEventError(ev transport.Error) error {
	kind := ev.Kind
	if kind == "" {
		kind = core.KindTransport
	}
	if kind != core.KindRateLimited && transport.IsRateLimitText(ev.Message) {
		kind = core.KindRateLimited
	}
	return &core.Error{Kind: kind, Message: ev.Message, Cause: ev.Err}
}

func (c *Controller) dispatchTools(sess transport.Session, invs []types.ToolInvocation) {
	if c.deps.Tools == nil {
		for _, inv := range invs {
			if err := sess.SendToolResult(types.ErrorResult(inv, "no tools are available")); err != nil {
				c.deps.Logger.Warn("tool result not delivered", "tool", inv.Name, "call_id", inv.ID, "err", err)
			}
		}
		return
	}
	c.deps.Tools.Submit(invs, sess.SendToolResult)
}

func (c *Controller) handleTimer(m timerFired) {
	if m.seq != c.timerSeq {
		return
	}
	c.timer = nil
	switch m.kind {
	case timerRotation:
		if c.state == StateActive {
			c.maybeRotate("timer")
		}
	case timerReconnect:
		if c.state == StateReconnecting {
			c.connect(triggerReconnect)
		}
	case timerCoolOff:
		if c.state == StateRateLimited {
			c.setState(StateIdle, ReasonCooledOff)
		}
	}
}

// maybeRotate rotates unless the agent is audible, in which case it checks
// again shortly.
func (c *Controller) maybeRotate(trigger string) {
	if c.deps.Player.IsPlaying() {
		c.deps.Logger.Debug("rotation deferred while agent is speaking", "trigger", trigger)
		c.armTimer(timerRotation, c.cfg.RotationRecheck)
		return
	}
	c.setState(StateRotating, "")
	c.deps.Metrics.RecordRotation(trigger)
	c.deps.Logger.Info("rotating session", "trigger", trigger, "transcript_entries", c.transcript.Len())
	c.teardown()
	c.resetRetries()
	c.connect(triggerRotation)
}

func (c *Controller) rotationDelay() time.Duration {
	var b retry.Backoff = retry.NewConstant(c.cfg.RotationInterval)
	if c.cfg.RotationJitter > 0 {
		b = retry.WithJitter(c.cfg.RotationJitter, b)
	}
	d, _ := b.Next()
	return d
}

func (c *Controller) end() {
	c.teardown()
	c.deps.Player.Stop()
	if c.deps.Tools != nil {
		c.deps.Tools.Close()
	}
	var finished <-chan recorder.Result
	if c.deps.Recorder != nil {
		finished = c.deps.Recorder.Finalize(c.transcript.Dump())
	}
	c.mu.Lock()
	c.finished = finished
	c.mu.Unlock()
	c.cancel()
	c.setState(StateTerminated, ReasonEnded)
}

// armTimer replaces whatever timer is pending. There is only ever one.
func (c *Controller) armTimer(kind timerKind, d time.Duration) {
	c.cancelTimer()
	seq := c.timerSeq
	c.timer = c.deps.Clock.AfterFunc(d, func() {
		c.post(timerFired{seq: seq, kind: kind})
	})
	c.deps.Logger.Debug("timer armed", "timer", kind.String(), "delay", d)
}

func (c *Controller) cancelTimer() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// setState records a transition. Entering a new state cancels any pending
// timer.
func (c *Controller) setState(to State, reason string) {
	from := c.state
	if from == to && c.reason == reason {
		return
	}
	if from != to {
		c.cancelTimer()
	}
	c.state = to
	c.reason = reason
	c.pending = append(c.pending, Transition{From: from, To: to, Reason: reason, At: c.deps.Clock.Now()})
	if from != to {
		c.deps.Metrics.RecordTransition(from.String(), to.String())
	}
	attrs := []any{"from", from.String(), "to", to.String(), "generation", c.gen}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	c.deps.Logger.Info("session state", attrs...)
}

// publish exposes the loop's state after a message has been fully handled,
// so observers never see a state whose timers are not armed yet.
func (c *Controller) publish() {
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = Status{
		State:      c.state,
		Reason:     c.reason,
		RetryCount: c.retries,
		LastError:  c.lastErr,
		SessionID:  sessionID,
		Generation: c.gen,
	}
	for _, tr := range c.pending {
		for _, sub := range c.subs {
			select {
			case sub <- tr:
			default:
				c.deps.Logger.Warn("transition dropped for slow subscriber", "to", tr.To.String())
			}
		}
	}
	c.pending = c.pending[:0]
}

func (c *Controller) closeSubscribers() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subsClosed = true
	for id, sub := range c.subs {
		close(sub)
		delete(c.subs, id)
	}
}
