// Package pipeline implements the client side of a single PSRP pipeline
// (MS-PSRP 2.2.3.11): building and sending its CREATE_PIPELINE message,
// and tracking the PIPELINE_STATE/output/error/informational messages a
// server sends back for it.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/halvarsen/go-psrp/psrpcore/messages"
	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
)

// PoolHandle is the subset of *runspace.Pool a Pipeline needs. It is
// declared here, not imported from psrpcore/runspace, because Pool itself
// holds *Pipeline values: importing runspace from pipeline would cycle.
type PoolHandle interface {
	Send(messageBytes []byte) error
	FragmentWithID(objectID uint64, messageBytes []byte) [][]byte
}

const streamChanBuffer = 64

// Pipeline is a single client-driven command invocation inside a
// runspace pool. A Pipeline created by New has a script to run and must
// still send its own CreatePipeline message (Invoke); one created by
// NewWithID represents a pipeline whose CreatePipeline message the
// transport already carried (e.g. a WSMan Command payload) or an
// existing pipeline being reattached after a disconnect.
type Pipeline struct {
	pool     PoolHandle
	poolID   uuid.UUID
	id       uuid.UUID
	script   string

	mu             sync.Mutex
	skipInvokeSend bool
	invoked        bool
	state          messages.PipelineState
	stateErr       *messages.ErrorRecord

	doneOnce sync.Once
	done     chan struct{}
	err      error

	output      chan *messages.Message
	errorCh     chan *messages.Message
	warning     chan *messages.Message
	verbose     chan *messages.Message
	debug       chan *messages.Message
	progress    chan *messages.Message
	information chan *messages.Message
	hostCall    chan *messages.PipelineHostCall
}

func newPipeline(pool PoolHandle, poolID, id uuid.UUID, script string) *Pipeline {
	return &Pipeline{
		pool:        pool,
		poolID:      poolID,
		id:          id,
		script:      script,
		state:       messages.PipelineStateNotStarted,
		done:        make(chan struct{}),
		output:      make(chan *messages.Message, streamChanBuffer),
		errorCh:     make(chan *messages.Message, streamChanBuffer),
		warning:     make(chan *messages.Message, streamChanBuffer),
		verbose:     make(chan *messages.Message, streamChanBuffer),
		debug:       make(chan *messages.Message, streamChanBuffer),
		progress:    make(chan *messages.Message, streamChanBuffer),
		information: make(chan *messages.Message, streamChanBuffer),
		hostCall:    make(chan *messages.PipelineHostCall, streamChanBuffer),
	}
}

// New creates a pipeline that will run script, with a freshly generated
// pipeline ID.
func New(pool PoolHandle, poolID uuid.UUID, script string) *Pipeline {
	return newPipeline(pool, poolID, uuid.New(), script)
}

// NewWithID creates a pipeline under a caller-supplied ID: either because
// the CreatePipeline message was already sent outside this package (a
// WSMan Command's arguments), or because the pipeline is being adopted
// after a session reattach and this client never built its script itself.
func NewWithID(pool PoolHandle, poolID, id uuid.UUID) *Pipeline {
	return newPipeline(pool, poolID, id, "")
}

// ID returns the pipeline's GUID, used to route WSMan Command/Receive
// traffic and to tag the PipelineID field of every message it exchanges.
func (p *Pipeline) ID() uuid.UUID {
	return p.id
}

// State returns the last PipelineState this pipeline observed.
func (p *Pipeline) State() messages.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) buildCreatePipeline() messages.CreatePipeline {
	return messages.CreatePipeline{
		NoInput:             true,
		ApartmentState:      messages.ApartmentUnknown,
		RemoteStreamOptions: messages.RemoteStreamNone,
		AddToHistory:        true,
		HostInfo: messages.HostInfo{
			IsHostNull:      true,
			IsHostUINull:    true,
			IsHostRawUINull: true,
			UseRunspaceHost: true,
		},
		PowerShell: messages.PowerShellPipeline{
			Commands: []messages.Command{
				{Cmd: p.script, IsScript: true},
			},
		},
	}
}

// GetCreatePipelineDataWithID builds this pipeline's CREATE_PIPELINE
// message and returns its fragments, packed and concatenated, tagged
// under msgID rather than the pool's own fragment counter. This lets a
// caller (a WSMan backend embedding the message as a Command's
// arguments) pick the object ID independently of anything the pool
// sends over its own transport.
func (p *Pipeline) GetCreatePipelineDataWithID(msgID uint64) ([]byte, error) {
	cp := p.buildCreatePipeline()
	body, err := psvalue.NewSerializer().Marshal(cp.Value())
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal create pipeline: %w", err)
	}

	msg := messages.Message{
		Destination: messages.DestinationServer,
		Type:        messages.MessageTypeCreatePipeline,
		RunspaceID:  p.poolID,
		PipelineID:  p.id,
		Data:        body,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode create pipeline message: %w", err)
	}

	var out []byte
	for _, frag := range p.pool.FragmentWithID(msgID, encoded) {
		out = append(out, frag...)
	}
	return out, nil
}

// SkipInvokeSend tells Invoke the CreatePipeline message was already
// delivered by some other channel (a WSMan Command's arguments) and must
// not be sent again over the pool's transport.
func (p *Pipeline) SkipInvokeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipInvokeSend = true
}

// Invoke sends this pipeline's CREATE_PIPELINE message over the pool's
// transport, unless SkipInvokeSend was called. It is safe to call more
// than once; only the first call has any effect.
func (p *Pipeline) Invoke(_ context.Context) error {
	p.mu.Lock()
	if p.invoked {
		p.mu.Unlock()
		return nil
	}
	p.invoked = true
	skip := p.skipInvokeSend
	p.mu.Unlock()

	if skip {
		return nil
	}

	cp := p.buildCreatePipeline()
	body, err := psvalue.NewSerializer().Marshal(cp.Value())
	if err != nil {
		return fmt.Errorf("pipeline: marshal create pipeline: %w", err)
	}
	msg := messages.Message{
		Destination: messages.DestinationServer,
		Type:        messages.MessageTypeCreatePipeline,
		RunspaceID:  p.poolID,
		PipelineID:  p.id,
		Data:        body,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("pipeline: encode create pipeline message: %w", err)
	}
	return p.pool.Send(encoded)
}

// CloseInput sends an END_OF_PIPELINE_INPUT message, telling the server
// no further PIPELINE_INPUT will follow. Non-interactive scripts (the
// only kind this client builds) never send input, so this just signals
// the stream is, and always was, empty.
func (p *Pipeline) CloseInput(_ context.Context) error {
	msg := messages.Message{
		Destination: messages.DestinationServer,
		Type:        messages.MessageTypeEndOfPipelineInput,
		RunspaceID:  p.poolID,
		PipelineID:  p.id,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("pipeline: encode end of input message: %w", err)
	}
	return p.pool.Send(encoded)
}

// Cancel marks the pipeline done with a cancellation error. It does not
// itself signal the server; a transport-level stop (WSMan Signal, socket
// close) is the caller's responsibility.
func (p *Pipeline) Cancel() {
	p.finish(context.Canceled)
}

// Fail marks the pipeline done with err, e.g. because its receive loop
// hit a transport error. Safe to call more than once; only the first
// call's error sticks.
func (p *Pipeline) Fail(err error) {
	p.finish(err)
}

func (p *Pipeline) finish(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Done returns a channel closed once the pipeline has reached a terminal
// state or failed.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the pipeline finishes and returns its terminal error,
// nil on a clean PipelineStateCompleted.
func (p *Pipeline) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// HandleMessage dispatches a decoded message addressed to this pipeline.
// Stream messages are forwarded raw; parsing their payload into Go
// values happens downstream (psrpcore/serialization), keeping this
// dispatch path allocation-free for messages nobody reads.
func (p *Pipeline) HandleMessage(msg *messages.Message) error {
	switch msg.Type {
	case messages.MessageTypePipelineState:
		return p.handleState(msg)
	case messages.MessageTypePipelineOutput:
		return p.forward(p.output, msg)
	case messages.MessageTypeErrorRecord:
		return p.forward(p.errorCh, msg)
	case messages.MessageTypeWarningRecord:
		return p.forward(p.warning, msg)
	case messages.MessageTypeVerboseRecord:
		return p.forward(p.verbose, msg)
	case messages.MessageTypeDebugRecord:
		return p.forward(p.debug, msg)
	case messages.MessageTypeProgressRecord:
		return p.forward(p.progress, msg)
	case messages.MessageTypeInformationRecord:
		return p.forward(p.information, msg)
	case messages.MessageTypePipelineHostCall:
		return p.handleHostCall(msg)
	default:
		return nil
	}
}

func (p *Pipeline) handleHostCall(msg *messages.Message) error {
	vals, err := psvalue.ParseAll(msg.Data)
	if err != nil {
		return fmt.Errorf("pipeline: parse host call: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}
	call := messages.PipelineHostCallFromValue(vals[0])
	select {
	case p.hostCall <- &call:
	default:
		// Same drop-rather-than-deadlock rule as forward; a host call a
		// caller never reads (Write1/WriteLine1/... with SendBack=false)
		// is fire-and-forget from the server's perspective anyway.
	}
	return nil
}

// SendHostResponse sends a PIPELINE_HOST_RESPONSE answering a host call this
// pipeline delivered through HostCall. Methods with HostMethods[id].SendBack
// == false don't expect one; sending anyway is harmless but unnecessary.
func (p *Pipeline) SendHostResponse(_ context.Context, resp messages.PipelineHostResponse) error {
	body, err := psvalue.NewSerializer().Marshal(resp.Value())
	if err != nil {
		return fmt.Errorf("pipeline: marshal host response: %w", err)
	}
	msg := messages.Message{
		Destination: messages.DestinationServer,
		Type:        messages.MessageTypePipelineHostResponse,
		RunspaceID:  p.poolID,
		PipelineID:  p.id,
		Data:        body,
	}
	encoded, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("pipeline: encode host response: %w", err)
	}
	return p.pool.Send(encoded)
}

func (p *Pipeline) forward(ch chan *messages.Message, msg *messages.Message) error {
	select {
	case ch <- msg:
	default:
		// A stalled consumer must never block the dispatch loop; drop
		// rather than deadlock the whole pool.
	}
	return nil
}

func (p *Pipeline) handleState(msg *messages.Message) error {
	vals, err := psvalue.ParseAll(msg.Data)
	if err != nil {
		return fmt.Errorf("pipeline: parse pipeline state: %w", err)
	}
	if len(vals) == 0 {
		return nil
	}
	v := vals[0]
	state := messages.PipelineStateFromValue(v)

	p.mu.Lock()
	p.state = state
	var finishErr error
	if errVal := messages.PipelineStateErrorFromValue(v); errVal != nil {
		rec := messages.ErrorRecordFromValue(errVal)
		p.stateErr = &rec
		if state == messages.PipelineStateFailed {
			finishErr = fmt.Errorf("pipeline failed: %s", rec.Message)
		}
	}
	terminal := state.Terminal()
	p.mu.Unlock()

	if terminal {
		p.finish(finishErr)
	}
	return nil
}

// Output returns the channel of raw PIPELINE_OUTPUT messages.
func (p *Pipeline) Output() <-chan *messages.Message { return p.output }

// Error returns the channel of raw ERROR_RECORD messages.
func (p *Pipeline) Error() <-chan *messages.Message { return p.errorCh }

// Warning returns the channel of raw WARNING_RECORD messages.
func (p *Pipeline) Warning() <-chan *messages.Message { return p.warning }

// Verbose returns the channel of raw VERBOSE_RECORD messages.
func (p *Pipeline) Verbose() <-chan *messages.Message { return p.verbose }

// Debug returns the channel of raw DEBUG_RECORD messages.
func (p *Pipeline) Debug() <-chan *messages.Message { return p.debug }

// Progress returns the channel of raw PROGRESS_RECORD messages.
func (p *Pipeline) Progress() <-chan *messages.Message { return p.progress }

// Information returns the channel of raw INFORMATION_RECORD messages.
func (p *Pipeline) Information() <-chan *messages.Message { return p.information }

// HostCall returns the channel of parsed PIPELINE_HOST_CALL requests this
// pipeline's PSHost must answer (or at least acknowledge) via
// SendHostResponse.
func (p *Pipeline) HostCall() <-chan *messages.PipelineHostCall { return p.hostCall }

// StateError returns the ExceptionAsErrorRecord a failed PipelineState
// carried, if any.
func (p *Pipeline) StateError() *messages.ErrorRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateErr
}
