package powershell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/halvarsen/go-psrp/wsman"
)

// WSManTransport implements io.ReadWriter over WSMan Send/Receive operations.
// This is the bridge between psrpcore (which expects io.ReadWriter) and
// our WSMan client (which provides HTTP-based Send/Receive).
type WSManTransport struct {
	mu sync.Mutex

	client    PoolClient
	epr       *wsman.EndpointReference
	commandID string
	ctx       context.Context

	readBuf bytes.Buffer
	done    bool
}

// NewWSManTransport creates a transport that bridges WSMan to io.ReadWriter.
// The epr and commandID can be set later via Configure if needed.
func NewWSManTransport(client PoolClient, epr *wsman.EndpointReference, commandID string) *WSManTransport {
	return &WSManTransport{
		client:    client,
		epr:       epr,
		commandID: commandID,
		ctx:       context.Background(),
	}
}

// SetContext sets the context for operations.
func (t *WSManTransport) SetContext(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
}

// Write sends data to the command's stdin via WSMan Send.
func (t *WSManTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	ctx := t.ctx
	epr := t.epr
	commandID := t.commandID
	t.mu.Unlock()

	if t.client == nil {
		return 0, fmt.Errorf("transport not configured")
	}

	if err := t.client.Send(ctx, epr, commandID, "stdin", p); err != nil {
		return 0, fmt.Errorf("wsman send: %w", err)
	}
	return len(p), nil
}

// Read receives data from the command's stdout via WSMan Receive.
// Returns io.EOF when the command completes.
func (t *WSManTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return 0, fmt.Errorf("transport not configured")
	}

	if err := t.ctx.Err(); err != nil {
		return 0, err
	}

	if t.readBuf.Len() > 0 {
		return t.readBuf.Read(p)
	}

	if t.done {
		return 0, io.EOF
	}

	result, err := t.client.Receive(t.ctx, t.epr, t.commandID)
	if err != nil {
		return 0, fmt.Errorf("wsman receive: %w", err)
	}

	// wsman.Client.Receive has already base64-decoded the stream content.
	if len(result.Stdout) > 0 {
		t.readBuf.Write(result.Stdout)
	}

	if result.Done {
		t.done = true
	}

	if t.readBuf.Len() > 0 {
		return t.readBuf.Read(p)
	}

	if t.done {
		return 0, io.EOF
	}

	// No data yet, caller should retry.
	return 0, nil
}

// Close signals the command to terminate.
func (t *WSManTransport) Close() error {
	t.mu.Lock()
	ctx := t.ctx
	epr := t.epr
	commandID := t.commandID
	t.mu.Unlock()

	return t.client.Signal(ctx, epr, commandID, wsman.SignalTerminate)
}

// Configure sets the WSMan client, EPR, and command ID for the transport.
// This allows the transport to be created before the shell/command are established.
func (t *WSManTransport) Configure(client PoolClient, epr *wsman.EndpointReference, commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = client
	t.epr = epr
	t.commandID = commandID
}

// CloseIdleConnections closes any idle connections in the underlying WSMan client.
// This forces a fresh NTLM handshake for subsequent requests.
func (t *WSManTransport) CloseIdleConnections() {
	if t.client != nil {
		t.client.CloseIdleConnections()
	}
}
