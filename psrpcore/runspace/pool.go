// Package runspace implements the client side of a PSRP runspace pool
// (MS-PSRP 2.2.3.2): the session-capability/init handshake, pool state
// tracking, runspace availability bookkeeping, and dispatch of incoming
// messages to the pool itself or to one of its live pipelines.
package runspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/halvarsen/go-psrp/psrpcore/fragment"
	"github.com/halvarsen/go-psrp/psrpcore/messages"
	"github.com/halvarsen/go-psrp/psrpcore/pipeline"
	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
)

// State is a runspace pool's lifecycle state, MS-PSRP 2.2.3.4.
type State = messages.RunspacePoolState

// State values, aliased from messages for ergonomic use by callers that
// only ever touch a pool through this package.
const (
	StateBeforeOpen           = messages.RunspacePoolStateBeforeOpen
	StateOpening              = messages.RunspacePoolStateOpening
	StateOpened               = messages.RunspacePoolStateOpened
	StateClosed               = messages.RunspacePoolStateClosed
	StateClosing              = messages.RunspacePoolStateClosing
	StateBroken               = messages.RunspacePoolStateBroken
	StateNegotiationSent      = messages.RunspacePoolStateNegotiationSent
	StateNegotiationSucceeded = messages.RunspacePoolStateNegotiationSucceeded
	StateConnecting           = messages.RunspacePoolStateConnecting
	StateDisconnected         = messages.RunspacePoolStateDisconnected
)

// Errors a Pool's operations can return.
var (
	ErrClosed = errors.New("runspace: pool is closed")
	ErrBroken = errors.New("runspace: pool is broken")
)

const defaultMaxWireSize = 153600 // matches WSMan's default MaxEnvelopeSize

const hostCallChanBuffer = 64

const protocolVersion = "2.3"
const psVersion = "2.0"
const serializationVersion = "1.1.0.1"

// SecurityEventFunc receives a coarse-grained audit event for anything a
// Pool does that's worth logging to a security/audit sink: handshake
// outcomes, state transitions into Broken, and the like.
type SecurityEventFunc func(event string, details map[string]any)

// Pool is a client-side runspace pool: the PSRP session a WSMan Shell (or
// any other io.ReadWriter transport) carries.
type Pool struct {
	transport io.ReadWriter
	id        uuid.UUID

	fragmenter   *fragments.Fragmenter
	defragmenter *fragments.Defragmenter

	// SkipHandshakeSend tells Open to skip sending the SessionCapability
	// and InitRunspacePool messages, because a caller already delivered
	// them some other way (a WSMan Shell Create's creationXml).
	SkipHandshakeSend bool

	mu             sync.Mutex
	state          State
	minRunspaces   int32
	maxRunspaces   int32
	available      int32
	availableKnown bool
	availableCond  *sync.Cond
	pending        []byte // unconsumed bytes from the last transport.Read
	pipelines      map[uuid.UUID]*pipeline.Pipeline
	serverCaps     messages.SessionCapability
	hostCall       chan *messages.RunspacePoolHostCall

	dispatchStarted bool

	logger       *slog.Logger
	debugLogging bool
	securityFn   SecurityEventFunc
}

// New returns a Pool bound to transport, in StateBeforeOpen. transport is
// never touched until Open/Connect, so a nil or dummy transport is safe
// to pass to a Pool that will only ever be driven through its exported
// handshake-fragment builders (a WSMan Shell Create's creationXml).
func New(transport io.ReadWriter, id uuid.UUID) *Pool {
	p := &Pool{
		transport:    transport,
		id:           id,
		fragmenter:   fragments.NewFragmenter(defaultMaxWireSize),
		defragmenter: fragments.NewDefragmenter(),
		state:        StateBeforeOpen,
		minRunspaces: 1,
		maxRunspaces: 1,
		pipelines:    make(map[uuid.UUID]*pipeline.Pipeline),
		hostCall:     make(chan *messages.RunspacePoolHostCall, hostCallChanBuffer),
	}
	p.availableCond = sync.NewCond(&p.mu)
	return p
}

// SetSlogLogger configures structured logging for handshake and dispatch
// events. Returns an error only for API symmetry with other Set* methods;
// a nil logger is accepted and simply disables logging.
func (p *Pool) SetSlogLogger(logger *slog.Logger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = logger
	return nil
}

// EnableDebugLogging turns on verbose per-message logging at debug level.
func (p *Pool) EnableDebugLogging() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debugLogging = true
}

// SetSecurityEventCallback registers fn to receive audit events. Only one
// callback is kept; a later call replaces an earlier one.
func (p *Pool) SetSecurityEventCallback(fn SecurityEventFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.securityFn = fn
}

func (p *Pool) emitSecurityEvent(event string, details map[string]any) {
	p.mu.Lock()
	fn := p.securityFn
	p.mu.Unlock()
	if fn != nil {
		fn(event, details)
	}
}

func (p *Pool) logDebug(msg string, args ...any) {
	p.mu.Lock()
	logger := p.logger
	debug := p.debugLogging
	p.mu.Unlock()
	if logger != nil && debug {
		logger.Debug(msg, args...)
	}
}

// SetMinRunspaces sets the pool's requested minimum runspace count. Must
// be called before Open; MS-PSRP negotiates pool size as part of the
// INIT_RUNSPACEPOOL handshake.
func (p *Pool) SetMinRunspaces(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateBeforeOpen {
		return fmt.Errorf("runspace: cannot set min runspaces after open")
	}
	p.minRunspaces = int32(n)
	return nil
}

// SetMaxRunspaces sets the pool's requested maximum runspace count.
func (p *Pool) SetMaxRunspaces(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateBeforeOpen {
		return fmt.Errorf("runspace: cannot set max runspaces after open")
	}
	p.maxRunspaces = int32(n)
	return nil
}

// SetMessageID tells the pool's fragment object-ID counter to resume
// after id, used when messages 1 and 2 (SessionCapability and
// InitRunspacePool) were already sent by some other channel (a WSMan
// Shell Create's creationXml) and subsequent Sends must not reuse them.
func (p *Pool) SetMessageID(id uint64) {
	p.fragmenter.SetNextObjectID(id + 1)
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) sessionCapability() messages.SessionCapability {
	return messages.SessionCapability{
		ProtocolVersion:      protocolVersion,
		PSVersion:            psVersion,
		SerializationVersion: serializationVersion,
	}
}

func (p *Pool) initRunspacePool() messages.InitRunspacePool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return messages.InitRunspacePool{
		MinRunspaces:   p.minRunspaces,
		MaxRunspaces:   p.maxRunspaces,
		ThreadOptions:  messages.ThreadOptionsDefault,
		ApartmentState: messages.ApartmentUnknown,
		HostInfo: messages.HostInfo{
			IsHostNull:      true,
			IsHostUINull:    true,
			IsHostRawUINull: true,
			UseRunspaceHost: true,
		},
	}
}

func (p *Pool) encodeMessage(typ messages.MessageType, val *psvalue.Value) ([]byte, error) {
	body, err := psvalue.NewSerializer().Marshal(val)
	if err != nil {
		return nil, err
	}
	msg := messages.Message{
		Destination: messages.DestinationServer,
		Type:        typ,
		RunspaceID:  p.id,
		PipelineID:  uuid.Nil,
		Data:        body,
	}
	return msg.Encode()
}

// GetHandshakeFragments builds the SessionCapability and InitRunspacePool
// messages, fragments them, and returns the packed bytes for a caller to
// embed directly in a transport-specific envelope (a WSMan Shell Create's
// creationXml) instead of writing them to the pool's own transport.
func (p *Pool) GetHandshakeFragments() ([]byte, error) {
	capMsg, err := p.encodeMessage(messages.MessageTypeSessionCapability, p.sessionCapability().Value())
	if err != nil {
		return nil, fmt.Errorf("runspace: build session capability: %w", err)
	}
	initMsg, err := p.encodeMessage(messages.MessageTypeInitRunspacePool, p.initRunspacePool().Value())
	if err != nil {
		return nil, fmt.Errorf("runspace: build init runspace pool: %w", err)
	}
	return concat(p.fragmenter.FragmentBatch([][]byte{capMsg, initMsg})), nil
}

// GetConnectHandshakeFragments builds the SessionCapability and
// ConnectRunspacePool messages used to reattach to an existing,
// disconnected pool (MS-PSRP 2.2.2.4 / 2.2.2.16).
func (p *Pool) GetConnectHandshakeFragments() ([]byte, error) {
	capMsg, err := p.encodeMessage(messages.MessageTypeSessionCapability, p.sessionCapability().Value())
	if err != nil {
		return nil, fmt.Errorf("runspace: build session capability: %w", err)
	}
	connectMsg, err := p.encodeMessage(messages.MessageTypeConnectRunspacePool, psvalue.NewNil())
	if err != nil {
		return nil, fmt.Errorf("runspace: build connect runspace pool: %w", err)
	}
	return concat(p.fragmenter.FragmentBatch([][]byte{capMsg, connectMsg})), nil
}

// concat flattens the [][]byte a Fragmenter returns into one packed blob;
// FragmentBatch already does this across messages, but a single message's
// own Fragment/FragmentWithID call still returns one slice per fragment.
func concat(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Send fragments messageBytes under the pool's own counter and writes the
// result to the transport. It implements pipeline.PoolHandle.
func (p *Pool) Send(messageBytes []byte) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if state == StateBroken {
		return ErrBroken
	}
	packed := concat(p.fragmenter.Fragment(messageBytes, 0))
	_, err := p.transport.Write(packed)
	return err
}

// FragmentWithID implements pipeline.PoolHandle, letting a Pipeline pick
// its own object ID (the WSMan Command ID its CreatePipeline message
// must be tagged with) independently of the pool's own counter.
func (p *Pool) FragmentWithID(objectID uint64, messageBytes []byte) [][]byte {
	return p.fragmenter.FragmentWithID(objectID, messageBytes)
}

// Open sends the handshake (unless SkipHandshakeSend is set, because a
// caller already delivered it some other way) and blocks until the pool
// reaches StateOpened, the transport errors, or ctx is done.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateBeforeOpen {
		s := p.state
		p.mu.Unlock()
		return fmt.Errorf("runspace: cannot open pool in state %v", s)
	}
	p.state = StateOpening
	skip := p.SkipHandshakeSend
	p.mu.Unlock()

	if !skip {
		capMsg, err := p.encodeMessage(messages.MessageTypeSessionCapability, p.sessionCapability().Value())
		if err != nil {
			return p.markBroken(fmt.Errorf("runspace: build session capability: %w", err))
		}
		initMsg, err := p.encodeMessage(messages.MessageTypeInitRunspacePool, p.initRunspacePool().Value())
		if err != nil {
			return p.markBroken(fmt.Errorf("runspace: build init runspace pool: %w", err))
		}
		packed := concat(p.fragmenter.FragmentBatch([][]byte{capMsg, initMsg}))
		if _, err := p.transport.Write(packed); err != nil {
			return p.markBroken(fmt.Errorf("runspace: send handshake: %w", err))
		}
	}

	return p.waitForState(ctx, StateOpened)
}

// Connect is the lighter-weight counterpart to Open used when a caller
// has already completed the PSRP handshake through some other path (a
// reattach) and only needs the pool to record itself Opened and start
// receiving. With SkipHandshakeSend set, there is no response left to
// wait for, so Connect transitions straight to StateOpened and starts the
// background dispatch loop to pick up whatever the server sends next.
// Without it, Connect sends the handshake and waits for StateOpened
// exactly as Open does.
func (p *Pool) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateBeforeOpen {
		s := p.state
		p.mu.Unlock()
		return fmt.Errorf("runspace: cannot connect pool in state %v", s)
	}
	p.state = StateOpening
	skip := p.SkipHandshakeSend
	p.mu.Unlock()

	if !skip {
		capMsg, err := p.encodeMessage(messages.MessageTypeSessionCapability, p.sessionCapability().Value())
		if err != nil {
			return p.markBroken(fmt.Errorf("runspace: build session capability: %w", err))
		}
		initMsg, err := p.encodeMessage(messages.MessageTypeInitRunspacePool, p.initRunspacePool().Value())
		if err != nil {
			return p.markBroken(fmt.Errorf("runspace: build init runspace pool: %w", err))
		}
		packed := concat(p.fragmenter.FragmentBatch([][]byte{capMsg, initMsg}))
		if _, err := p.transport.Write(packed); err != nil {
			return p.markBroken(fmt.Errorf("runspace: send handshake: %w", err))
		}
		return p.waitForState(ctx, StateOpened)
	}

	p.mu.Lock()
	p.state = StateOpened
	p.mu.Unlock()
	p.StartDispatchLoop()
	return nil
}

// ResumeOpened marks the pool Opened without performing any handshake or
// starting the dispatch loop, used by a WSMan reattach that drives its
// own per-pipeline receive loops instead of a pool-wide one.
func (p *Pool) ResumeOpened() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateOpened
}

// ProcessConnectResponse parses the CONNECT_RUNSPACEPOOL response data a
// WSMan Connect operation returned piggybacked, applying whatever state
// update it carries.
func (p *Pool) ProcessConnectResponse(data []byte) error {
	completed, err := p.defragmenter.Defragment(data)
	if err != nil {
		return fmt.Errorf("runspace: defragment connect response: %w", err)
	}
	for _, raw := range completed {
		msg, err := messages.Decode(raw)
		if err != nil {
			return fmt.Errorf("runspace: decode connect response: %w", err)
		}
		p.handlePoolMessage(msg)
	}
	return nil
}

func (p *Pool) markBroken(err error) error {
	p.mu.Lock()
	p.state = StateBroken
	p.mu.Unlock()
	p.emitSecurityEvent("runspace_pool_broken", map[string]any{
		"subtype": "handshake",
		"outcome": "failure",
		"error":   err.Error(),
	})
	return err
}

// waitForState synchronously reads from the transport, decoding and
// dispatching each completed message, until the pool reaches want or
// hits a terminal error.
func (p *Pool) waitForState(ctx context.Context, want State) error {
	resultCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := p.transport.Read(buf)
			if err != nil {
				resultCh <- err
				return
			}
			if n > 0 {
				if derr := p.feed(buf[:n]); derr != nil {
					resultCh <- derr
					return
				}
			}

			p.mu.Lock()
			s := p.state
			p.mu.Unlock()
			if s == want {
				resultCh <- nil
				return
			}
			if s == StateBroken {
				resultCh <- ErrBroken
				return
			}
		}
	}()

	select {
	case err := <-resultCh:
		if err != nil {
			p.markBroken(err)
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// feed appends raw bytes to the pool's pending buffer, extracts every
// complete fragment it now contains, and dispatches the message each one
// completes.
func (p *Pool) feed(raw []byte) error {
	p.mu.Lock()
	p.pending = append(p.pending, raw...)
	pending := p.pending
	p.mu.Unlock()

	consumed := 0
	for len(pending)-consumed >= fragments.HeaderSize {
		chunk := pending[consumed:]
		length := int(uint32(chunk[17])<<24 | uint32(chunk[18])<<16 | uint32(chunk[19])<<8 | uint32(chunk[20]))
		total := fragments.HeaderSize + length
		if len(chunk) < total {
			break
		}

		completed, err := p.defragmenter.Defragment(chunk[:total])
		if err != nil {
			return fmt.Errorf("runspace: defragment: %w", err)
		}
		consumed += total

		for _, msgBytes := range completed {
			msg, err := messages.Decode(msgBytes)
			if err != nil {
				return fmt.Errorf("runspace: decode message: %w", err)
			}
			p.dispatch(msg)
		}
	}

	p.mu.Lock()
	p.pending = append([]byte(nil), pending[consumed:]...)
	p.mu.Unlock()
	return nil
}

func (p *Pool) dispatch(msg *messages.Message) {
	p.logDebug("dispatch", "type", msg.Type.String(), "pipeline", msg.PipelineID)

	if msg.PipelineID != uuid.Nil {
		p.mu.Lock()
		pl, ok := p.pipelines[msg.PipelineID]
		p.mu.Unlock()
		if ok {
			_ = pl.HandleMessage(msg)
			return
		}
	}
	p.handlePoolMessage(msg)
}

func (p *Pool) handlePoolMessage(msg *messages.Message) {
	switch msg.Type {
	case messages.MessageTypeSessionCapability:
		vals, err := psvalue.ParseAll(msg.Data)
		if err == nil && len(vals) > 0 {
			p.mu.Lock()
			p.serverCaps = messages.SessionCapabilityFromValue(vals[0])
			p.mu.Unlock()
		}
	case messages.MessageTypeRunspacePoolState:
		vals, err := psvalue.ParseAll(msg.Data)
		if err != nil || len(vals) == 0 {
			return
		}
		state := messages.RunspacePoolStateFromValue(vals[0])
		p.mu.Lock()
		p.state = state
		p.mu.Unlock()
		if state == StateBroken {
			p.emitSecurityEvent("runspace_pool_broken", map[string]any{
				"subtype": "server_state",
				"outcome": "failure",
			})
		}
	case messages.MessageTypeRunspaceAvailability:
		vals, err := psvalue.ParseAll(msg.Data)
		if err != nil || len(vals) == 0 {
			return
		}
		var n int32
		if vals[0].Kind == psvalue.KindI32 {
			n = vals[0].I32
		}
		p.mu.Lock()
		p.available = n
		p.availableKnown = true
		p.availableCond.Broadcast()
		p.mu.Unlock()
	case messages.MessageTypeApplicationPrivateData:
		// No behavior of this client's depends on its contents today.
	case messages.MessageTypeRunspacePoolHostCall:
		vals, err := psvalue.ParseAll(msg.Data)
		if err != nil || len(vals) == 0 {
			return
		}
		call := messages.RunspacePoolHostCallFromValue(vals[0])
		select {
		case p.hostCall <- &call:
		default:
			// Same drop-rather-than-deadlock rule as Pipeline.forward.
		}
	}
}

// HostCall returns the channel of parsed RUNSPACEPOOL_HOST_CALL requests
// this pool's top-level PSHost must answer (or at least acknowledge) via
// SendHostResponse.
func (p *Pool) HostCall() <-chan *messages.RunspacePoolHostCall {
	return p.hostCall
}

// SendHostResponse sends a RUNSPACEPOOL_HOST_RESPONSE answering a host call
// this pool delivered through HostCall.
func (p *Pool) SendHostResponse(_ context.Context, resp messages.RunspacePoolHostResponse) error {
	encoded, err := p.encodeMessage(messages.MessageTypeRunspacePoolHostResponse, resp.Value())
	if err != nil {
		return fmt.Errorf("runspace: build host response: %w", err)
	}
	return p.Send(encoded)
}

// Close terminates the pool: it sends no wire message of its own (that is
// the transport's responsibility, e.g. a WSMan Shell Delete) but moves
// the pool to StateClosed so further Sends are rejected.
func (p *Pool) Close(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return nil
	}
	p.state = StateClosed
	p.availableCond.Broadcast()
	return nil
}

// Disconnect moves a pool from Opened to Disconnected without closing it,
// mirroring a WSMan Shell Disconnect: the session stays alive server-side
// but this pool stops expecting to read any more responses until Connect
// reattaches it.
func (p *Pool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateOpened {
		return fmt.Errorf("runspace: cannot disconnect pool in state %v", p.state)
	}
	p.state = StateDisconnected
	return nil
}

// CreatePipeline builds a new Pipeline for script under this pool, with a
// freshly generated pipeline ID, and registers it so incoming messages
// addressed to that ID reach it.
func (p *Pool) CreatePipeline(script string) (*pipeline.Pipeline, error) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == StateClosed {
		return nil, ErrClosed
	}
	if state == StateBroken {
		return nil, ErrBroken
	}

	pl := pipeline.New(p, p.id, script)
	p.mu.Lock()
	p.pipelines[pl.ID()] = pl
	p.mu.Unlock()
	return pl, nil
}

// AdoptPipeline registers an externally constructed Pipeline (one built
// with pipeline.NewWithID, for a command whose CreatePipeline message a
// caller already sent through some other channel) so this pool's
// dispatch routes messages addressed to its ID to it.
func (p *Pool) AdoptPipeline(pl *pipeline.Pipeline) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return ErrClosed
	}
	p.pipelines[pl.ID()] = pl
	return nil
}

// GetActivePipelineIDs returns the IDs of every pipeline this pool still
// has registered, for session-state persistence.
func (p *Pool) GetActivePipelineIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(p.pipelines))
	for id := range p.pipelines {
		ids = append(ids, id)
	}
	return ids
}

// StartDispatchLoop starts the background goroutine that continuously
// reads from the pool's shared transport, defragmenting and dispatching
// whatever arrives. It is idempotent: only the first call has any
// effect, since a WSMan pool (per-pipeline transports) never needs it
// while a shared-transport pool must run exactly one.
func (p *Pool) StartDispatchLoop() {
	p.mu.Lock()
	if p.dispatchStarted {
		p.mu.Unlock()
		return
	}
	p.dispatchStarted = true
	p.mu.Unlock()

	go func() {
		buf := make([]byte, 65536)
		for {
			p.mu.Lock()
			state := p.state
			p.mu.Unlock()
			if state == StateClosed || state == StateBroken {
				return
			}

			n, err := p.transport.Read(buf)
			if err != nil {
				if err == io.EOF {
					return
				}
				p.markBroken(fmt.Errorf("runspace: dispatch loop read: %w", err))
				return
			}
			if n == 0 {
				continue
			}
			if derr := p.feed(buf[:n]); derr != nil {
				p.markBroken(derr)
				return
			}
		}
	}()
}

// RunspaceUtilization returns the last known available runspace count and
// the pool's configured maximum.
func (p *Pool) RunspaceUtilization() (available, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.available), int(p.maxRunspaces)
}

// AvailableRunspaces returns the last known available runspace count.
func (p *Pool) AvailableRunspaces() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.available)
}

// InitializeAvailabilityIfNeeded assumes full availability (MaxRunspaces)
// if the server never sent a RUNSPACE_AVAILABILITY message, so Health
// checks don't wait forever on a server that simply doesn't report it.
func (p *Pool) InitializeAvailabilityIfNeeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.availableKnown {
		p.available = p.maxRunspaces
		p.availableKnown = true
		p.availableCond.Broadcast()
	}
}

// WaitForAvailability blocks until at least n runspaces are available, the
// pool closes/breaks, or ctx is done.
func (p *Pool) WaitForAvailability(ctx context.Context, n int) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		p.availableCond.Broadcast()
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()
	for int(p.available) < n && p.state != StateClosed && p.state != StateBroken {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.availableCond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// SendGetAvailableRunspaces sends a GET_AVAILABLE_RUNSPACES request, whose
// response arrives asynchronously as a RUNSPACE_AVAILABILITY message.
func (p *Pool) SendGetAvailableRunspaces(_ context.Context) error {
	msg := messages.Message{
		Destination: messages.DestinationServer,
		Type:        messages.MessageTypeGetAvailableRunspaces,
		RunspaceID:  p.id,
		PipelineID:  uuid.Nil,
		Data:        []byte(`<Obj RefId="0"><MS><I64 N="ci">0</I64></MS></Obj>`),
	}
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("runspace: encode get available runspaces: %w", err)
	}
	return p.Send(encoded)
}
