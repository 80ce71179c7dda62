package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicebridge/wire"
)

func collect(t *testing.T) (*Dispatcher, *[]ProcessedMessage) {
	t.Helper()
	var got []ProcessedMessage
	d := NewDispatcher(func(m ProcessedMessage) { got = append(got, m) }, nil, nil)
	return d, &got
}

func TestDispatchInstruction(t *testing.T) {
	d, got := collect(t)

	err := d.Dispatch("sess-1", wire.Instruction{Text: "open settings"})
	require.NoError(t, err)
	require.Len(t, *got, 1)
	m := (*got)[0]
	assert.Equal(t, wire.KindInstruction, m.Kind)
	assert.Equal(t, "sess-1", m.SessionID)
	assert.Equal(t, "open settings", m.InstructionText)
}

func TestDispatchXMLCarriesLength(t *testing.T) {
	d, got := collect(t)

	err := d.Dispatch("sess-1", wire.XML{Content: "<hierarchy/>"})
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, "<hierarchy/>", (*got)[0].XMLContent)
	assert.Equal(t, 12, (*got)[0].XMLLength)
}

func TestDispatchScreenshotCarriesLength(t *testing.T) {
	d, got := collect(t)

	data := []byte{0x89, 0x50, 0x4e, 0x47}
	err := d.Dispatch("sess-1", wire.Screenshot{Data: data})
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, data, (*got)[0].ScreenshotData)
	assert.Equal(t, 4, (*got)[0].ScreenshotLength)
}

func TestDispatchQAAndError(t *testing.T) {
	d, got := collect(t)

	require.NoError(t, d.Dispatch("sess-1", wire.QA{Text: "yes"}))
	require.NoError(t, d.Dispatch("sess-1", wire.ErrorReport{Text: "element not found"}))
	require.Len(t, *got, 2)
	assert.Equal(t, "yes", (*got)[0].QAText)
	assert.Equal(t, "element not found", (*got)[1].ErrorText)
}

func TestDispatchGetActionsSetsRequestType(t *testing.T) {
	d, got := collect(t)

	err := d.Dispatch("sess-1", wire.GetActions{})
	require.NoError(t, err)
	require.Len(t, *got, 1)
	assert.Equal(t, "get_actions", (*got)[0].RequestType)
}

func TestDispatchDropsControllerOriginatedKinds(t *testing.T) {
	d, got := collect(t)

	require.NoError(t, d.Dispatch("sess-1", wire.Action{Descriptor: wire.ActionDescriptor{Type: "tap"}}))
	require.NoError(t, d.Dispatch("sess-1", wire.Heartbeat{DeviceID: "dev-1"}))
	assert.Empty(t, *got, "action and heartbeat produce no delivery")
}

func TestDispatchNilCallback(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	assert.NoError(t, d.Dispatch("sess-1", wire.Instruction{Text: "hi"}))
}
