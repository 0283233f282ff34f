package messages

// MessageType identifies the payload shape of a PSRP message (MS-PSRP
// 2.2.1, PSRP_MESSAGE_TYPE). Numbering below resolves a collision present
// in this project's distilled catalogue (ErrorRecord and PipelineOutput
// had been assigned the same value); the corrected numbering was
// confirmed against the original Rust implementation's per-message doc
// comments for ApplicationPrivateData, RunspacePoolHostCall/Response, and
// PipelineHostCall/Response, and extended consistently for the rest of
// the Pipeline/Pool ranges.
type MessageType uint32

const (
	MessageTypeSessionCapability   MessageType = 0x00010002
	MessageTypeInitRunspacePool    MessageType = 0x00010004
	MessageTypePublicKey           MessageType = 0x00010005
	MessageTypeEncryptedSessionKey MessageType = 0x00010006
	MessageTypePublicKeyRequest    MessageType = 0x00010007
	MessageTypeConnectRunspacePool MessageType = 0x00010008

	MessageTypeSetMaxRunspaces        MessageType = 0x00021002
	MessageTypeSetMinRunspaces        MessageType = 0x00021003
	MessageTypeRunspaceAvailability   MessageType = 0x00021004
	MessageTypeRunspacePoolState      MessageType = 0x00021005
	MessageTypeCreatePipeline         MessageType = 0x00021006
	MessageTypeGetAvailableRunspaces  MessageType = 0x00021007
	MessageTypeUserEvent              MessageType = 0x00021008
	MessageTypeApplicationPrivateData MessageType = 0x00021009
	MessageTypeGetCommandMetadata     MessageType = 0x0002100A
	MessageTypeRunspacePoolHostCall     MessageType = 0x00021100
	MessageTypeRunspacePoolHostResponse MessageType = 0x00021101

	MessageTypePipelineInput        MessageType = 0x00041002
	MessageTypeEndOfPipelineInput   MessageType = 0x00041003
	MessageTypePipelineOutput       MessageType = 0x00041004
	MessageTypeErrorRecord          MessageType = 0x00041005
	MessageTypePipelineState        MessageType = 0x00041006
	MessageTypeDebugRecord          MessageType = 0x00041007
	MessageTypeVerboseRecord        MessageType = 0x00041008
	MessageTypeWarningRecord        MessageType = 0x00041009
	MessageTypeProgressRecord       MessageType = 0x00041010
	MessageTypeInformationRecord    MessageType = 0x00041011
	MessageTypePipelineHostCall     MessageType = 0x00041100
	MessageTypePipelineHostResponse MessageType = 0x00041101
)

var typeNames = map[MessageType]string{
	MessageTypeSessionCapability:        "SessionCapability",
	MessageTypeInitRunspacePool:         "InitRunspacePool",
	MessageTypePublicKey:                "PublicKey",
	MessageTypeEncryptedSessionKey:      "EncryptedSessionKey",
	MessageTypePublicKeyRequest:         "PublicKeyRequest",
	MessageTypeConnectRunspacePool:      "ConnectRunspacePool",
	MessageTypeSetMaxRunspaces:          "SetMaxRunspaces",
	MessageTypeSetMinRunspaces:          "SetMinRunspaces",
	MessageTypeRunspaceAvailability:     "RunspaceAvailability",
	MessageTypeRunspacePoolState:        "RunspacePoolState",
	MessageTypeCreatePipeline:           "CreatePipeline",
	MessageTypeGetAvailableRunspaces:    "GetAvailableRunspaces",
	MessageTypeUserEvent:                "UserEvent",
	MessageTypeApplicationPrivateData:   "ApplicationPrivateData",
	MessageTypeGetCommandMetadata:       "GetCommandMetadata",
	MessageTypeRunspacePoolHostCall:     "RunspacePoolHostCall",
	MessageTypeRunspacePoolHostResponse: "RunspacePoolHostResponse",
	MessageTypePipelineInput:            "PipelineInput",
	MessageTypeEndOfPipelineInput:       "EndOfPipelineInput",
	MessageTypePipelineOutput:           "PipelineOutput",
	MessageTypeErrorRecord:              "ErrorRecord",
	MessageTypePipelineState:            "PipelineState",
	MessageTypeDebugRecord:              "DebugRecord",
	MessageTypeVerboseRecord:            "VerboseRecord",
	MessageTypeWarningRecord:            "WarningRecord",
	MessageTypeProgressRecord:           "ProgressRecord",
	MessageTypeInformationRecord:        "InformationRecord",
	MessageTypePipelineHostCall:         "PipelineHostCall",
	MessageTypePipelineHostResponse:     "PipelineHostResponse",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// PipelineState enumerates the values carried by a PipelineState message
// (MS-PSRP 2.2.3.4). Terminal states are Completed, Failed, and Stopped.
type PipelineState int32

const (
	PipelineStateNotStarted PipelineState = iota
	PipelineStateRunning
	PipelineStateStopping
	PipelineStateStopped
	PipelineStateCompleted
	PipelineStateFailed
	PipelineStateDisconnected
)

func (s PipelineState) Terminal() bool {
	return s == PipelineStateCompleted || s == PipelineStateFailed || s == PipelineStateStopped
}

var pipelineStateNames = map[PipelineState]string{
	PipelineStateNotStarted:   "NotStarted",
	PipelineStateRunning:      "Running",
	PipelineStateStopping:     "Stopping",
	PipelineStateStopped:      "Stopped",
	PipelineStateCompleted:    "Completed",
	PipelineStateFailed:       "Failed",
	PipelineStateDisconnected: "Disconnected",
}

func (s PipelineState) String() string {
	if name, ok := pipelineStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// RunspacePoolState enumerates the values carried by a RunspacePoolState
// message (MS-PSRP 2.2.3.3).
type RunspacePoolState int32

const (
	RunspacePoolStateBeforeOpen RunspacePoolState = iota
	RunspacePoolStateOpening
	RunspacePoolStateOpened
	RunspacePoolStateClosed
	RunspacePoolStateClosing
	RunspacePoolStateBroken
	RunspacePoolStateNegotiationSent
	RunspacePoolStateNegotiationSucceeded
	RunspacePoolStateConnecting
	RunspacePoolStateDisconnected
)

var runspacePoolStateNames = map[RunspacePoolState]string{
	RunspacePoolStateBeforeOpen:           "BeforeOpen",
	RunspacePoolStateOpening:              "Opening",
	RunspacePoolStateOpened:                "Opened",
	RunspacePoolStateClosed:                "Closed",
	RunspacePoolStateClosing:               "Closing",
	RunspacePoolStateBroken:                "Broken",
	RunspacePoolStateNegotiationSent:       "NegotiationSent",
	RunspacePoolStateNegotiationSucceeded:  "NegotiationSucceeded",
	RunspacePoolStateConnecting:            "Connecting",
	RunspacePoolStateDisconnected:          "Disconnected",
}

func (s RunspacePoolState) String() string {
	if name, ok := runspacePoolStateNames[s]; ok {
		return name
	}
	return "Unknown"
}
