package runspace

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/halvarsen/go-psrp/psrpcore/fragment"
	"github.com/halvarsen/go-psrp/psrpcore/messages"
	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
)

// pairedTransport is an io.ReadWriter whose Write goes out on one pipe and
// whose Read comes in on another, letting a test drive both ends of a pool
// the way a real WSMan duplex connection would.
type pairedTransport struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (t *pairedTransport) Read(p []byte) (int, error)  { return t.r.Read(p) }
func (t *pairedTransport) Write(p []byte) (int, error) { return t.w.Write(p) }

// newPairedTransports returns two linked pairedTransports: whatever one side
// writes, the other side reads.
func newPairedTransports() (client, server *pairedTransport) {
	cToS_r, cToS_w := io.Pipe()
	sToC_r, sToC_w := io.Pipe()
	client = &pairedTransport{r: sToC_r, w: cToS_w}
	server = &pairedTransport{r: cToS_r, w: sToC_w}
	return client, server
}

func stateMessage(poolID uuid.UUID, state messages.RunspacePoolState) []byte {
	msg := messages.Message{
		Destination: messages.DestinationClient,
		Type:        messages.MessageTypeRunspacePoolState,
		RunspaceID:  poolID,
		PipelineID:  uuid.Nil,
		Data:        mustMarshal(psvalue.NewI32(int32(state))),
	}
	encoded, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	return encoded
}

func mustMarshal(v *psvalue.Value) []byte {
	b, err := psvalue.NewSerializer().Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// serverSend fragments and writes a raw message over server, as the
// "server" side of the paired transport.
func serverSend(t *testing.T, server *pairedTransport, raw []byte) {
	t.Helper()
	fr := fragments.NewFragmenter(defaultMaxWireSize)
	packed := fr.Fragment(raw, 0)
	for _, chunk := range packed {
		_, err := server.w.Write(chunk)
		require.NoError(t, err)
	}
}

func TestPool_OpenReachesOpenedOnStateMessage(t *testing.T) {
	client, server := newPairedTransports()
	poolID := uuid.New()
	p := New(client, poolID)

	go func() {
		// Drain the handshake the pool sends (SessionCapability + InitRunspacePool).
		buf := make([]byte, 65536)
		_, _ = server.r.Read(buf)
		serverSend(t, server, stateMessage(poolID, StateOpened))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Open(ctx))
	require.Equal(t, StateOpened, p.State())
}

func TestPool_OpenFromWrongStateErrors(t *testing.T) {
	client, _ := newPairedTransports()
	p := New(client, uuid.New())
	p.mu.Lock()
	p.state = StateOpened
	p.mu.Unlock()

	err := p.Open(context.Background())
	require.Error(t, err)
}

func TestPool_RunspaceAvailabilityUpdatesFromServerMessage(t *testing.T) {
	client, server := newPairedTransports()
	poolID := uuid.New()
	p := New(client, poolID)
	p.ResumeOpened()
	p.StartDispatchLoop()

	msg := messages.Message{
		Destination: messages.DestinationClient,
		Type:        messages.MessageTypeRunspaceAvailability,
		RunspaceID:  poolID,
		PipelineID:  uuid.Nil,
		Data:        mustMarshal(psvalue.NewI32(3)),
	}
	raw, err := msg.Encode()
	require.NoError(t, err)
	serverSend(t, server, raw)

	require.Eventually(t, func() bool {
		return p.AvailableRunspaces() == 3
	}, time.Second, 10*time.Millisecond)
}

func TestPool_RunspacePoolHostCallIsDeliveredOnHostCallChannel(t *testing.T) {
	client, server := newPairedTransports()
	poolID := uuid.New()
	p := New(client, poolID)
	p.ResumeOpened()
	p.StartDispatchLoop()

	call := psvalue.NewComplex(&psvalue.Complex{
		Extended: []psvalue.Property{
			{Name: "ci", Value: psvalue.NewI64(11)},
			{Name: "mi", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.Remoting.RemoteHostMethodId"},
				int32(messages.MethodGetName), "GetName")},
		},
	})
	msg := messages.Message{
		Destination: messages.DestinationClient,
		Type:        messages.MessageTypeRunspacePoolHostCall,
		RunspaceID:  poolID,
		PipelineID:  uuid.Nil,
		Data:        mustMarshal(call),
	}
	raw, err := msg.Encode()
	require.NoError(t, err)
	serverSend(t, server, raw)

	select {
	case got := <-p.HostCall():
		require.Equal(t, int64(11), got.CallID)
		require.Equal(t, messages.MethodGetName, got.MethodID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for host call")
	}
}

func TestPool_SendHostResponseWritesEncodedMessage(t *testing.T) {
	client, server := newPairedTransports()
	poolID := uuid.New()
	p := New(client, poolID)
	p.ResumeOpened()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.SendHostResponse(context.Background(), messages.RunspacePoolHostResponse{
			CallID:   2,
			MethodID: messages.MethodGetName,
			Result:   psvalue.NewString("client"),
		})
	}()

	def := fragments.NewDefragmenter()
	buf := make([]byte, 65536)
	var completed [][]byte
	for len(completed) == 0 {
		n, err := server.r.Read(buf)
		require.NoError(t, err)
		msgs, err := def.Defragment(buf[:n])
		require.NoError(t, err)
		completed = append(completed, msgs...)
	}

	msg, err := messages.Decode(completed[0])
	require.NoError(t, err)
	require.Equal(t, messages.MessageTypeRunspacePoolHostResponse, msg.Type)

	vals, err := psvalue.ParseAll(msg.Data)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.Equal(t, "client", vals[0].Property("mr").Str)

	<-done
}

func TestPool_SendRejectsWhenClosed(t *testing.T) {
	client, _ := newPairedTransports()
	p := New(client, uuid.New())
	p.ResumeOpened()
	require.NoError(t, p.Close(context.Background()))

	err := p.Send([]byte("irrelevant"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestPool_CreatePipelineRegistersAndRejectsWhenClosed(t *testing.T) {
	client, _ := newPairedTransports()
	p := New(client, uuid.New())
	p.ResumeOpened()

	pl, err := p.CreatePipeline("Get-Process")
	require.NoError(t, err)
	require.Contains(t, p.GetActivePipelineIDs(), pl.ID())

	require.NoError(t, p.Close(context.Background()))
	_, err = p.CreatePipeline("Get-Process")
	require.ErrorIs(t, err, ErrClosed)
}
