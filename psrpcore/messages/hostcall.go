package messages

import "github.com/halvarsen/go-psrp/psrpcore/psvalue"

// HostMethodID identifies one of the 56 PSHost/PSHostUserInterface/
// PSHostRawUserInterface methods a server can invoke on the client via a
// host call message (MS-PSRP 2.2.3.17, MS-PSRP table 3.2.5).
type HostMethodID int32

const (
	MethodGetName HostMethodID = iota + 1
	MethodGetVersion
	MethodGetInstanceID
	MethodGetCurrentCulture
	MethodGetCurrentUICulture
	MethodSetShouldExit
	MethodEnterNestedPrompt
	MethodExitNestedPrompt
	MethodNotifyBeginApplication
	MethodNotifyEndApplication
	MethodReadLine
	MethodReadLineAsSecureString
	MethodWrite1
	MethodWrite2
	MethodWriteLine1
	MethodWriteLine2
	MethodWriteLine3
	MethodWriteErrorLine
	MethodWriteDebugLine
	MethodWriteProgress
	MethodWriteVerboseLine
	MethodWriteWarningLine
	MethodPrompt
	MethodPromptForCredential1
	MethodPromptForCredential2
	MethodPromptForChoice
	MethodGetForegroundColor
	MethodSetForegroundColor
	MethodGetBackgroundColor
	MethodSetBackgroundColor
	MethodGetCursorPosition
	MethodSetCursorPosition
	MethodGetWindowPosition
	MethodSetWindowPosition
	MethodGetCursorSize
	MethodSetCursorSize
	MethodGetBufferSize
	MethodSetBufferSize
	MethodGetWindowSize
	MethodSetWindowSize
	MethodGetWindowTitle
	MethodSetWindowTitle
	MethodGetMaxWindowSize
	MethodGetMaxPhysicalWindowSize
	MethodGetKeyAvailable
	MethodReadKey
	MethodFlushInputBuffer
	MethodSetBufferContents1
	MethodSetBufferContents2
	MethodGetBufferContents
	MethodScrollBufferContents
	MethodPushRunspace
	MethodPopRunspace
	MethodGetIsRunspacePushed
	MethodGetRunspace
	MethodPromptForChoiceMultipleSelection
)

// HostMethodInfo describes the static shape of one host method: its
// display name and whether the client owes the server a
// PipelineHostResponse/RunspacePoolHostResponse after executing it. A
// method with SendBack=false is fire-and-forget (e.g. Write1).
type HostMethodInfo struct {
	ID       HostMethodID
	Name     string
	SendBack bool
}

// HostMethods is the full MS-PSRP host-call catalogue, indexed by ID.
var HostMethods = map[HostMethodID]HostMethodInfo{
	MethodGetName:                 {MethodGetName, "GetName", true},
	MethodGetVersion:              {MethodGetVersion, "GetVersion", true},
	MethodGetInstanceID:           {MethodGetInstanceID, "GetInstanceId", true},
	MethodGetCurrentCulture:       {MethodGetCurrentCulture, "GetCurrentCulture", true},
	MethodGetCurrentUICulture:     {MethodGetCurrentUICulture, "GetCurrentUICulture", true},
	MethodSetShouldExit:           {MethodSetShouldExit, "SetShouldExit", false},
	MethodEnterNestedPrompt:       {MethodEnterNestedPrompt, "EnterNestedPrompt", false},
	MethodExitNestedPrompt:        {MethodExitNestedPrompt, "ExitNestedPrompt", false},
	MethodNotifyBeginApplication:  {MethodNotifyBeginApplication, "NotifyBeginApplication", false},
	MethodNotifyEndApplication:    {MethodNotifyEndApplication, "NotifyEndApplication", false},

	MethodReadLine:               {MethodReadLine, "ReadLine", true},
	MethodReadLineAsSecureString: {MethodReadLineAsSecureString, "ReadLineAsSecureString", true},
	MethodWrite1:                 {MethodWrite1, "Write1", false},
	MethodWrite2:                 {MethodWrite2, "Write2", false},
	MethodWriteLine1:             {MethodWriteLine1, "WriteLine1", false},
	MethodWriteLine2:             {MethodWriteLine2, "WriteLine2", false},
	MethodWriteLine3:             {MethodWriteLine3, "WriteLine3", false},
	MethodWriteErrorLine:         {MethodWriteErrorLine, "WriteErrorLine", false},
	MethodWriteDebugLine:         {MethodWriteDebugLine, "WriteDebugLine", false},
	MethodWriteProgress:          {MethodWriteProgress, "WriteProgress", false},
	MethodWriteVerboseLine:       {MethodWriteVerboseLine, "WriteVerboseLine", false},
	MethodWriteWarningLine:       {MethodWriteWarningLine, "WriteWarningLine", false},
	MethodPrompt:                 {MethodPrompt, "Prompt", true},
	MethodPromptForCredential1:   {MethodPromptForCredential1, "PromptForCredential1", true},
	MethodPromptForCredential2:   {MethodPromptForCredential2, "PromptForCredential2", true},
	MethodPromptForChoice:        {MethodPromptForChoice, "PromptForChoice", true},

	MethodGetForegroundColor:       {MethodGetForegroundColor, "GetForegroundColor", true},
	MethodSetForegroundColor:       {MethodSetForegroundColor, "SetForegroundColor", false},
	MethodGetBackgroundColor:       {MethodGetBackgroundColor, "GetBackgroundColor", true},
	MethodSetBackgroundColor:       {MethodSetBackgroundColor, "SetBackgroundColor", false},
	MethodGetCursorPosition:        {MethodGetCursorPosition, "GetCursorPosition", true},
	MethodSetCursorPosition:        {MethodSetCursorPosition, "SetCursorPosition", false},
	MethodGetWindowPosition:        {MethodGetWindowPosition, "GetWindowPosition", true},
	MethodSetWindowPosition:        {MethodSetWindowPosition, "SetWindowPosition", false},
	MethodGetCursorSize:            {MethodGetCursorSize, "GetCursorSize", true},
	MethodSetCursorSize:            {MethodSetCursorSize, "SetCursorSize", false},
	MethodGetBufferSize:            {MethodGetBufferSize, "GetBufferSize", true},
	MethodSetBufferSize:            {MethodSetBufferSize, "SetBufferSize", false},
	MethodGetWindowSize:            {MethodGetWindowSize, "GetWindowSize", true},
	MethodSetWindowSize:            {MethodSetWindowSize, "SetWindowSize", false},
	MethodGetWindowTitle:           {MethodGetWindowTitle, "GetWindowTitle", true},
	MethodSetWindowTitle:           {MethodSetWindowTitle, "SetWindowTitle", false},
	MethodGetMaxWindowSize:         {MethodGetMaxWindowSize, "GetMaxWindowSize", true},
	MethodGetMaxPhysicalWindowSize: {MethodGetMaxPhysicalWindowSize, "GetMaxPhysicalWindowSize", true},
	MethodGetKeyAvailable:          {MethodGetKeyAvailable, "GetKeyAvailable", true},
	MethodReadKey:                  {MethodReadKey, "ReadKey", true},
	MethodFlushInputBuffer:         {MethodFlushInputBuffer, "FlushInputBuffer", false},
	MethodSetBufferContents1:       {MethodSetBufferContents1, "SetBufferContents1", false},
	MethodSetBufferContents2:       {MethodSetBufferContents2, "SetBufferContents2", false},
	MethodGetBufferContents:        {MethodGetBufferContents, "GetBufferContents", true},
	MethodScrollBufferContents:     {MethodScrollBufferContents, "ScrollBufferContents", false},

	MethodPushRunspace:                     {MethodPushRunspace, "PushRunspace", false},
	MethodPopRunspace:                      {MethodPopRunspace, "PopRunspace", false},
	MethodGetIsRunspacePushed:              {MethodGetIsRunspacePushed, "GetIsRunspacePushed", true},
	MethodGetRunspace:                      {MethodGetRunspace, "GetRunspace", true},
	MethodPromptForChoiceMultipleSelection: {MethodPromptForChoiceMultipleSelection, "PromptForChoiceMultipleSelection", true},
}

// PipelineHostCall is the PIPELINE_HOST_CALL message (MS-PSRP 2.2.2.9): a
// request the server routes to the client's PSHost, scoped to one
// pipeline's invocation.
type PipelineHostCall struct {
	CallID     int64
	MethodID   HostMethodID
	Parameters []*psvalue.Value
}

// PipelineHostCallFromValue parses a PIPELINE_HOST_CALL payload.
func PipelineHostCallFromValue(v *psvalue.Value) PipelineHostCall {
	c := PipelineHostCall{}
	if ci := v.Property("ci"); ci != nil {
		c.CallID = int64(ci.I64)
		if ci.Kind == psvalue.KindI32 {
			c.CallID = int64(ci.I32)
		}
	}
	if mi := v.Property("mi"); mi != nil {
		if mi.Kind == psvalue.KindComplex && mi.Complex != nil && mi.Complex.HasEnum {
			c.MethodID = HostMethodID(mi.Complex.EnumValue)
		} else {
			c.MethodID = HostMethodID(mi.I32)
		}
	}
	if mp := v.Property("mp"); mp != nil && mp.Kind == psvalue.KindComplex && mp.Complex != nil {
		c.Parameters = mp.Complex.Items
	}
	return c
}

// PipelineHostResponse is the PIPELINE_HOST_RESPONSE message a client
// sends back after executing a host call whose method has SendBack=true
// (MS-PSRP 2.2.2.10).
type PipelineHostResponse struct {
	CallID   int64
	MethodID HostMethodID
	Result   *psvalue.Value
	Error    *psvalue.Value // set instead of Result when the host call failed
}

// Value renders the PipelineHostResponse as its wire Complex object.
func (r PipelineHostResponse) Value() *psvalue.Value {
	props := []psvalue.Property{
		{Name: "ci", Value: psvalue.NewI64(r.CallID)},
		{Name: "mi", Value: psvalue.NewEnum([]string{"System.Management.Automation.Remoting.RemoteHostMethodId"}, int32(r.MethodID), HostMethods[r.MethodID].Name)},
	}
	if r.Error != nil {
		props = append(props, psvalue.Property{Name: "me", Value: r.Error})
	} else {
		result := r.Result
		if result == nil {
			result = psvalue.NewNil()
		}
		props = append(props, psvalue.Property{Name: "mr", Value: result})
	}
	return psvalue.NewComplex(&psvalue.Complex{Extended: props})
}

// RunspacePoolHostCall / RunspacePoolHostResponse carry the same shape as
// their Pipeline counterparts, but target the pool's top-level PSHost
// rather than a specific pipeline's (MS-PSRP 2.2.2.11/2.2.2.12).
type RunspacePoolHostCall = PipelineHostCall
type RunspacePoolHostResponse = PipelineHostResponse

// RunspacePoolHostCallFromValue parses a RUNSPACEPOOL_HOST_CALL payload.
func RunspacePoolHostCallFromValue(v *psvalue.Value) RunspacePoolHostCall {
	return PipelineHostCallFromValue(v)
}
