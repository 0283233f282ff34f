package messages

import (
	"testing"

	"github.com/halvarsen/go-psrp/psrpcore/psvalue"
	"github.com/stretchr/testify/require"
)

func TestPipelineHostCallFromValue_ParsesCallIDMethodAndParameters(t *testing.T) {
	call := psvalue.NewComplex(&psvalue.Complex{
		Extended: []psvalue.Property{
			{Name: "ci", Value: psvalue.NewI64(5)},
			{Name: "mi", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.Remoting.RemoteHostMethodId"},
				int32(MethodWriteLine2), "WriteLine2")},
			{Name: "mp", Value: psvalue.NewList(psvalue.NewString("hi"))},
		},
	})

	got := PipelineHostCallFromValue(call)
	require.Equal(t, int64(5), got.CallID)
	require.Equal(t, MethodWriteLine2, got.MethodID)
	require.Len(t, got.Parameters, 1)
	require.Equal(t, "hi", got.Parameters[0].Str)
}

func TestPipelineHostCallFromValue_RoundTripThroughWire(t *testing.T) {
	call := psvalue.NewComplex(&psvalue.Complex{
		Extended: []psvalue.Property{
			{Name: "ci", Value: psvalue.NewI64(9)},
			{Name: "mi", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.Remoting.RemoteHostMethodId"},
				int32(MethodReadLine), "ReadLine")},
			{Name: "mp", Value: psvalue.NewList()},
		},
	})

	body, err := psvalue.NewSerializer().Marshal(call)
	require.NoError(t, err)

	vals, err := psvalue.ParseAll(body)
	require.NoError(t, err)
	require.Len(t, vals, 1)

	got := PipelineHostCallFromValue(vals[0])
	require.Equal(t, int64(9), got.CallID)
	require.Equal(t, MethodReadLine, got.MethodID)
	require.Empty(t, got.Parameters)
}

func TestPipelineHostResponse_ValueWithResult(t *testing.T) {
	resp := PipelineHostResponse{
		CallID:   3,
		MethodID: MethodReadLine,
		Result:   psvalue.NewString("Alice"),
	}
	v := resp.Value()
	require.Equal(t, int64(3), v.Property("ci").I64)
	require.Equal(t, "Alice", v.Property("mr").Str)
	require.Nil(t, v.Property("me"))
}

func TestPipelineHostResponse_ValueWithError(t *testing.T) {
	resp := PipelineHostResponse{
		CallID:   4,
		MethodID: MethodReadLine,
		Error:    psvalue.NewString("boom"),
	}
	v := resp.Value()
	require.Equal(t, "boom", v.Property("me").Str)
	require.Nil(t, v.Property("mr"))
}

func TestPipelineHostResponse_ValueWithNilResultEncodesAsNil(t *testing.T) {
	resp := PipelineHostResponse{CallID: 1, MethodID: MethodSetShouldExit}
	v := resp.Value()
	mr := v.Property("mr")
	require.NotNil(t, mr)
	require.Equal(t, psvalue.KindNil, mr.Kind)
}

func TestRunspacePoolHostCallFromValue_SameShapeAsPipeline(t *testing.T) {
	call := psvalue.NewComplex(&psvalue.Complex{
		Extended: []psvalue.Property{
			{Name: "ci", Value: psvalue.NewI64(1)},
			{Name: "mi", Value: psvalue.NewEnum(
				[]string{"System.Management.Automation.Remoting.RemoteHostMethodId"},
				int32(MethodGetName), "GetName")},
		},
	})
	got := RunspacePoolHostCallFromValue(call)
	require.Equal(t, int64(1), got.CallID)
	require.Equal(t, MethodGetName, got.MethodID)
}

func TestHostMethods_SendBackMatchesMSPSRPExpectations(t *testing.T) {
	// Spot-check a handful of the 56 catalogued methods: writes are
	// fire-and-forget, reads/prompts expect a response back.
	require.False(t, HostMethods[MethodWrite1].SendBack)
	require.False(t, HostMethods[MethodWriteLine2].SendBack)
	require.True(t, HostMethods[MethodReadLine].SendBack)
	require.True(t, HostMethods[MethodPrompt].SendBack)
	require.True(t, HostMethods[MethodPromptForCredential1].SendBack)
	require.Len(t, HostMethods, 56)
}
