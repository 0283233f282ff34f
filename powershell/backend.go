package powershell

import (
	"context"
	"io"

	"github.com/halvarsen/go-psrp/psrpcore/pipeline"
	"github.com/halvarsen/go-psrp/psrpcore/runspace"
)

// RunspaceBackend abstracts the WSMan transport logic for a PSRP runspace,
// so that the pool and pipeline layers never deal with SOAP directly.
type RunspaceBackend interface {
	// Close terminates the backend connection.
	Close(ctx context.Context) error

	// Connect establishes the physical connection (if relevant) and prepares the transport.
	Connect(ctx context.Context) error

	// Transport returns the io.ReadWriter to be used by psrpcore.
	// Must be called after Connect.
	Transport() io.ReadWriter

	// Init initializes the PSRP runspace pool with the backend.
	// This includes establishing the connection and performing any necessary handshakes.
	Init(ctx context.Context, pool *runspace.Pool) error

	// PreparePipeline creates the transport for a specific pipeline.
	// This is called before the pipeline is invoked.
	// payload represents the CreatePipeline message payload (base64 encoded) required by WSMan.
	// Returns:
	// - pipelineTransport: io.Reader for receiving this pipeline's output (for WSMan, a per-command transport)
	// - cleanup: function to call after the pipeline completes
	// - error: any error during setup
	PreparePipeline(ctx context.Context, p *pipeline.Pipeline, payload string) (io.Reader, func(), error)

	// ShellID returns the identifier of the underlying shell/runspace.
	ShellID() string

	// SupportsPSRPKeepalive reports whether this backend needs the pool's
	// own dispatch loop and PSRP-level keepalive traffic to stay alive.
	// WSMan uses per-pipeline Receive requests instead, so it returns false.
	SupportsPSRPKeepalive() bool
}
