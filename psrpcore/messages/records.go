package messages

import "github.com/halvarsen/go-psrp/psrpcore/psvalue"

// PipelineOutput wraps a single PIPELINE_OUTPUT message's payload
// (MS-PSRP 2.2.2.6) — one pipeline result object, not yet shredded into
// Go primitives (see psrpcore/serialization for that step).
type PipelineOutput struct {
	Data *psvalue.Value
}

// InformationalRecord is the shared shape of DebugRecord, VerboseRecord,
// WarningRecord, and InformationRecord: a message string plus the
// invocation-info bookkeeping PowerShell attaches to every stream record.
type InformationalRecord struct {
	Message       string
	InvocationInfo *psvalue.Value
}

func informationalRecordFromValue(v *psvalue.Value) InformationalRecord {
	r := InformationalRecord{InvocationInfo: v.Property("InvocationInfo")}
	if msg := v.Property("Message"); msg != nil {
		r.Message = msg.AsString()
	} else {
		r.Message = v.AsString()
	}
	return r
}

// DebugRecordFromValue parses a DEBUG_RECORD payload.
func DebugRecordFromValue(v *psvalue.Value) InformationalRecord { return informationalRecordFromValue(v) }

// VerboseRecordFromValue parses a VERBOSE_RECORD payload.
func VerboseRecordFromValue(v *psvalue.Value) InformationalRecord {
	return informationalRecordFromValue(v)
}

// WarningRecordFromValue parses a WARNING_RECORD payload.
func WarningRecordFromValue(v *psvalue.Value) InformationalRecord {
	return informationalRecordFromValue(v)
}

// InformationRecordFromValue parses an INFORMATION_RECORD payload. Unlike
// the other stream records this one carries a MessageData object rather
// than a plain string; ToString is the best single-line rendering.
func InformationRecordFromValue(v *psvalue.Value) InformationalRecord {
	r := InformationalRecord{InvocationInfo: v.Property("InvocationInfo")}
	if data := v.Property("MessageData"); data != nil {
		r.Message = data.AsString()
	} else {
		r.Message = v.AsString()
	}
	return r
}

// ProgressRecord mirrors System.Management.Automation.ProgressRecord
// (MS-PSRP 2.2.3.11).
type ProgressRecord struct {
	ActivityID        int32
	Activity          string
	StatusDescription string
	CurrentOperation  string
	ParentActivityID  int32
	PercentComplete   int32
	RecordType        int32
	SecondsRemaining  int32
}

// ProgressRecordFromValue parses a PROGRESS_RECORD payload.
func ProgressRecordFromValue(v *psvalue.Value) ProgressRecord {
	i32 := func(name string) int32 {
		pv := v.Property(name)
		if pv == nil {
			return 0
		}
		if pv.Kind == psvalue.KindComplex && pv.Complex != nil && pv.Complex.HasEnum {
			return pv.Complex.EnumValue
		}
		return pv.I32
	}
	str := func(name string) string {
		pv := v.Property(name)
		if pv == nil {
			return ""
		}
		return pv.AsString()
	}
	return ProgressRecord{
		ActivityID:        i32("ActivityId"),
		Activity:          str("Activity"),
		StatusDescription: str("StatusDescription"),
		CurrentOperation:  str("CurrentOperation"),
		ParentActivityID:  i32("ParentActivityId"),
		PercentComplete:   i32("PercentComplete"),
		RecordType:        i32("Type"),
		SecondsRemaining:  i32("SecondsRemaining"),
	}
}

// ErrorRecord mirrors System.Management.Automation.ErrorRecord (MS-PSRP
// 2.2.3.1), as carried by both the ERROR_RECORD message and a failed
// PipelineState's ExceptionAsErrorRecord property.
type ErrorRecord struct {
	Message             string
	CategoryMessage     string
	FullyQualifiedErrorID string
	TargetObject        *psvalue.Value
	Terminating         bool
}

// ErrorRecordFromValue parses an ERROR_RECORD payload (or the embedded
// error record carried by a failed PipelineState).
func ErrorRecordFromValue(v *psvalue.Value) ErrorRecord {
	r := ErrorRecord{TargetObject: v.Property("TargetObject")}
	if exc := v.Property("Exception"); exc != nil {
		if msg := exc.Property("Message"); msg != nil {
			r.Message = msg.AsString()
		} else {
			r.Message = exc.AsString()
		}
	} else {
		r.Message = v.AsString()
	}
	if cat := v.Property("CategoryInfo"); cat != nil {
		r.CategoryMessage = cat.AsString()
	}
	if fqid := v.Property("FullyQualifiedErrorId"); fqid != nil {
		r.FullyQualifiedErrorID = fqid.AsString()
	}
	if term := v.Property("ErrorRecord_serializedTerminatingError"); term != nil && term.Kind == psvalue.KindBool {
		r.Terminating = term.Bool
	}
	return r
}
