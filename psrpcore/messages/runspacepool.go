package messages

import (
	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
)

// SessionCapability is the SESSION_CAPABILITY message both ends exchange
// first over a pool (MS-PSRP 2.2.2.1).
type SessionCapability struct {
	ProtocolVersion      string
	PSVersion            string
	SerializationVersion string
	TimeZone             []byte
}

// Value renders the SessionCapability as its wire Complex object: a
// RefId=0 <Obj> with an <MS> extended-property set of three Version
// values and an optional TimeZone byte array.
func (s SessionCapability) Value() *psvalue.Value {
	props := []psvalue.Property{
		{Name: "protocolversion", Value: psvalue.NewVersion(s.ProtocolVersion)},
		{Name: "PSVersion", Value: psvalue.NewVersion(s.PSVersion)},
		{Name: "SerializationVersion", Value: psvalue.NewVersion(s.SerializationVersion)},
	}
	if s.TimeZone != nil {
		props = append(props, psvalue.Property{Name: "TimeZone", Value: psvalue.NewBytes(s.TimeZone)})
	}
	return psvalue.NewComplex(&psvalue.Complex{RefID: 0, Extended: props})
}

// SessionCapabilityFromValue extracts a SessionCapability from a decoded
// payload value, e.g. the server's handshake response.
func SessionCapabilityFromValue(v *psvalue.Value) SessionCapability {
	var s SessionCapability
	if pv := v.Property("protocolversion"); pv != nil {
		s.ProtocolVersion = pv.AsString()
	}
	if pv := v.Property("PSVersion"); pv != nil {
		s.PSVersion = pv.AsString()
	}
	if pv := v.Property("SerializationVersion"); pv != nil {
		s.SerializationVersion = pv.AsString()
	}
	if pv := v.Property("TimeZone"); pv != nil && pv.Kind == psvalue.KindBytes {
		s.TimeZone = pv.Bytes
	}
	return s
}

// PSThreadOptions mirrors System.Management.Automation.Runspaces.PSThreadOptions.
type PSThreadOptions int32

const (
	ThreadOptionsDefault PSThreadOptions = iota
	ThreadOptionsUseNewThread
	ThreadOptionsReuseThread
	ThreadOptionsUseCurrentThread
)

// ApartmentState mirrors System.Threading.ApartmentState.
type ApartmentState int32

const (
	ApartmentSTA ApartmentState = iota
	ApartmentMTA
	ApartmentUnknown
)

// HostInfo carries the client's PSHost capability flags (MS-PSRP
// 2.2.3.14). A nil/empty HostInfo tells the server to use its own
// default host, which is all this client currently exercises; the raw
// UI coordinate/size fields the protocol allows are left unset rather
// than fabricated.
type HostInfo struct {
	IsHostNull      bool
	IsHostUINull    bool
	IsHostRawUINull bool
	UseRunspaceHost bool
}

// Value renders a HostInfo as its wire Complex object.
func (h HostInfo) Value() *psvalue.Value {
	return psvalue.NewComplex(&psvalue.Complex{Extended: []psvalue.Property{
		{Name: "_isHostNull", Value: psvalue.NewBool(h.IsHostNull)},
		{Name: "_isHostUINull", Value: psvalue.NewBool(h.IsHostUINull)},
		{Name: "_isHostRawUINull", Value: psvalue.NewBool(h.IsHostRawUINull)},
		{Name: "_useRunspaceHost", Value: psvalue.NewBool(h.UseRunspaceHost)},
	}})
}

// InitRunspacePool is the INIT_RUNSPACEPOOL message a client sends to
// negotiate pool size and host capabilities (MS-PSRP 2.2.2.2).
type InitRunspacePool struct {
	MinRunspaces         int32
	MaxRunspaces         int32
	ThreadOptions        PSThreadOptions
	ApartmentState       ApartmentState
	HostInfo             HostInfo
	ApplicationArguments *psvalue.Value // nil means no arguments (Nil)
}

// Value renders the InitRunspacePool as its wire Complex object.
func (i InitRunspacePool) Value() *psvalue.Value {
	args := i.ApplicationArguments
	if args == nil {
		args = psvalue.NewNil()
	}
	return psvalue.NewComplex(&psvalue.Complex{Extended: []psvalue.Property{
		{Name: "MinRunspaces", Value: psvalue.NewI32(i.MinRunspaces)},
		{Name: "MaxRunspaces", Value: psvalue.NewI32(i.MaxRunspaces)},
		{Name: "PSThreadOptions", Value: psvalue.NewEnum(
			[]string{"System.Management.Automation.Runspaces.PSThreadOptions"},
			int32(i.ThreadOptions), threadOptionsName(i.ThreadOptions))},
		{Name: "ApartmentState", Value: psvalue.NewEnum(
			[]string{"System.Threading.ApartmentState"},
			int32(i.ApartmentState), apartmentStateName(i.ApartmentState))},
		{Name: "HostInfo", Value: i.HostInfo.Value()},
		{Name: "ApplicationArguments", Value: args},
	}})
}

func threadOptionsName(t PSThreadOptions) string {
	switch t {
	case ThreadOptionsUseNewThread:
		return "UseNewThread"
	case ThreadOptionsReuseThread:
		return "ReuseThread"
	case ThreadOptionsUseCurrentThread:
		return "UseCurrentThread"
	default:
		return "Default"
	}
}

func apartmentStateName(a ApartmentState) string {
	switch a {
	case ApartmentMTA:
		return "MTA"
	case ApartmentUnknown:
		return "Unknown"
	default:
		return "STA"
	}
}

// RunspacePoolStateFromValue extracts the state ordinal a RunspacePoolState
// message carries. MS-PSRP 2.2.2.13 puts it as a bare top-level enum/I32;
// an <Obj> wrapping it in a "RunspaceState" property is accepted too.
func RunspacePoolStateFromValue(v *psvalue.Value) RunspacePoolState {
	if v == nil {
		return 0
	}
	if v.Kind == psvalue.KindI32 {
		return RunspacePoolState(v.I32)
	}
	if v.Kind == psvalue.KindComplex && v.Complex != nil && v.Complex.HasEnum {
		return RunspacePoolState(v.Complex.EnumValue)
	}
	if pv := v.Property("RunspaceState"); pv != nil {
		if pv.Kind == psvalue.KindComplex && pv.Complex != nil && pv.Complex.HasEnum {
			return RunspacePoolState(pv.Complex.EnumValue)
		}
		if pv.Kind == psvalue.KindI32 {
			return RunspacePoolState(pv.I32)
		}
	}
	return 0
}

// ApplicationPrivateData is the server->client message carrying
// application-specific data (MS-PSRP 2.2.2.15), e.g. PowerShell version
// table info. Its arrival is not gated against pool-open sequencing.
type ApplicationPrivateData struct {
	Data *psvalue.Value
}
