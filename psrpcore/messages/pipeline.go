package messages

import (
	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
)

// RemoteStreamOptions mirrors System.Management.Automation.RemoteStreamOptions.
type RemoteStreamOptions int32

const (
	RemoteStreamNone RemoteStreamOptions = iota
)

func (r RemoteStreamOptions) String() string {
	if r == RemoteStreamNone {
		return "None"
	}
	return "Unknown"
}

// CommandParameter is one -Name value pair passed to a Command.
type CommandParameter struct {
	Name  string
	Value *psvalue.Value
}

// Command is a single cmdlet/script invocation inside a pipeline (MS-PSRP
// 2.2.3.11's PowerShell command entry).
type Command struct {
	Cmd           string
	IsScript      bool
	Parameters    []CommandParameter
	UseLocalScope *bool
}

func (c Command) value() *psvalue.Value {
	args := make([]*psvalue.Value, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		args = append(args, psvalue.NewObject(nil,
			psvalue.Property{Name: "N", Value: nilIfEmpty(p.Name)},
			psvalue.Property{Name: "V", Value: p.Value},
		))
	}
	argsObj := psvalue.NewComplex(&psvalue.Complex{
		TypeNames: []string{"System.Collections.ArrayList", "System.Object"},
		Container: psvalue.ContainerList,
		Items:     args,
	})

	useLocalScope := psvalue.NewNil()
	if c.UseLocalScope != nil {
		useLocalScope = psvalue.NewBool(*c.UseLocalScope)
	}

	return psvalue.NewComplex(&psvalue.Complex{
		ToString: c.Cmd,
		Extended: []psvalue.Property{
			{Name: "Cmd", Value: psvalue.NewString(c.Cmd)},
			{Name: "Args", Value: argsObj},
			{Name: "IsScript", Value: psvalue.NewBool(c.IsScript)},
			{Name: "UseLocalScope", Value: useLocalScope},
			{Name: "MergeMyResult", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.Runspaces.PipelineResultTypes"}, 0, "None")},
			{Name: "MergeToResult", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.Runspaces.PipelineResultTypes"}, 0, "None")},
			{Name: "MergePreviousResults", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.Runspaces.PipelineResultTypes"}, 0, "None")},
		},
	})
}

func nilIfEmpty(s string) *psvalue.Value {
	if s == "" {
		return psvalue.NewNil()
	}
	return psvalue.NewString(s)
}

// PowerShellPipeline is the "PowerShell" property of a CreatePipeline
// message: an ordered command list plus pipeline-wide flags.
type PowerShellPipeline struct {
	IsNested                     bool
	Commands                     []Command
	History                      string
	RedirectShellErrorOutputPipe bool
}

func (p PowerShellPipeline) value() *psvalue.Value {
	cmds := make([]*psvalue.Value, 0, len(p.Commands))
	for _, c := range p.Commands {
		cmds = append(cmds, c.value())
	}
	cmdsObj := psvalue.NewComplex(&psvalue.Complex{
		TypeNames: []string{"System.Collections.ArrayList", "System.Object"},
		Container: psvalue.ContainerList,
		Items:     cmds,
	})

	history := psvalue.NewNil()
	if p.History != "" {
		history = psvalue.NewString(p.History)
	}

	return psvalue.NewComplex(&psvalue.Complex{Extended: []psvalue.Property{
		{Name: "IsNested", Value: psvalue.NewBool(p.IsNested)},
		{Name: "Cmds", Value: cmdsObj},
		{Name: "History", Value: history},
		{Name: "RedirectShellErrorOutputPipe", Value: psvalue.NewBool(p.RedirectShellErrorOutputPipe)},
	}})
}

// CreatePipeline is the CREATE_PIPELINE message a client sends to start
// executing a command pipeline inside a runspace pool (MS-PSRP 2.2.2.3).
type CreatePipeline struct {
	NoInput             bool
	ApartmentState      ApartmentState
	RemoteStreamOptions RemoteStreamOptions
	AddToHistory        bool
	HostInfo            HostInfo
	PowerShell          PowerShellPipeline
	IsNested            bool
}

// Value renders the CreatePipeline as its wire Complex object.
func (c CreatePipeline) Value() *psvalue.Value {
	return psvalue.NewComplex(&psvalue.Complex{
		TypeNames: []string{"System.Object"},
		Extended: []psvalue.Property{
			{Name: "NoInput", Value: psvalue.NewBool(c.NoInput)},
			{Name: "ApartmentState", Value: psvalue.NewEnum(
				[]string{"System.Threading.ApartmentState"}, int32(c.ApartmentState), apartmentStateName(c.ApartmentState))},
			{Name: "RemoteStreamOptions", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.RemoteStreamOptions"}, int32(c.RemoteStreamOptions), c.RemoteStreamOptions.String())},
			{Name: "AddToHistory", Value: psvalue.NewBool(c.AddToHistory)},
			{Name: "HostInfo", Value: c.HostInfo.Value()},
			{Name: "PowerShell", Value: c.PowerShell.value()},
			{Name: "IsNested", Value: psvalue.NewBool(c.IsNested)},
		},
	})
}

// PipelineStateFromValue extracts the state ordinal a PipelineState
// message carries, MS-PSRP 2.2.3.4. The value is usually an <Obj> with the
// ordinal in its "PipelineState" property, but a bare enum/I32 at the top
// level is accepted too.
func PipelineStateFromValue(v *psvalue.Value) PipelineState {
	if v == nil {
		return 0
	}
	if v.Kind == psvalue.KindI32 {
		return PipelineState(v.I32)
	}
	if v.Kind == psvalue.KindComplex && v.Complex != nil && v.Complex.HasEnum {
		return PipelineState(v.Complex.EnumValue)
	}
	if pv := v.Property("PipelineState"); pv != nil {
		if pv.Kind == psvalue.KindComplex && pv.Complex != nil && pv.Complex.HasEnum {
			return PipelineState(pv.Complex.EnumValue)
		}
		if pv.Kind == psvalue.KindI32 {
			return PipelineState(pv.I32)
		}
	}
	return 0
}

// PipelineStateErrorFromValue extracts the ExceptionAsErrorRecord property
// a failed PipelineState message carries, if present.
func PipelineStateErrorFromValue(v *psvalue.Value) *psvalue.Value {
	return v.Property("ExceptionAsErrorRecord")
}
