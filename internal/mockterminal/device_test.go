package mockterminal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-fleet/internal/shared/model"
)

func message(t model.CommandType, payload string) model.CommandMessage {
	return model.CommandMessage{CommandID: "cmd-" + string(t), CorrelationID: "corr-" + string(t), Type: t, Payload: json.RawMessage(payload)}
}

func decodeReport(t *testing.T, raw json.RawMessage) deviceReport {
	t.Helper()
	var r deviceReport
	require.NoError(t, json.Unmarshal(raw, &r))
	return r
}

func TestDevice_MaintenanceRoundTrip(t *testing.T) {
	d := NewDevice("1.0.0")

	out := d.Execute(message(model.CommandMaintenanceMode, `{"reason":"cleaning"}`))
	assert.Equal(t, model.CommandResultSuccess, out.Result)
	assert.Equal(t, model.TerminalStatusMaintenance, d.Status())

	out = d.Execute(message(model.CommandMaintenanceMode, `{}`))
	assert.Equal(t, model.CommandResultRejected, out.Result)
	assert.Equal(t, "MAINTENANCE", decodeReport(t, out.Payload).Status)

	out = d.Execute(message(model.CommandExitMaintenance, `{}`))
	assert.Equal(t, model.CommandResultSuccess, out.Result)
	assert.Equal(t, model.TerminalStatusActive, d.Status())
}

func TestDevice_ExitMaintenanceWhenActiveIsRejectedWithReport(t *testing.T) {
	d := NewDevice("1.0.0")

	out := d.Execute(message(model.CommandExitMaintenance, `{}`))
	require.Equal(t, model.CommandResultRejected, out.Result)
	report := decodeReport(t, out.Payload)
	assert.Equal(t, "ACTIVE", report.Status)
	assert.False(t, report.Locked)
}

func TestDevice_LockUnlock(t *testing.T) {
	d := NewDevice("1.0.0")

	assert.Equal(t, model.CommandResultRejected, d.Execute(message(model.CommandUnlock, "")).Result)

	out := d.Execute(message(model.CommandLock, `{"reason":"fraud","message":"call support"}`))
	assert.Equal(t, model.CommandResultSuccess, out.Result)
	assert.True(t, d.Locked())

	out = d.Execute(message(model.CommandLock, `{}`))
	assert.Equal(t, model.CommandResultRejected, out.Result)
	assert.True(t, decodeReport(t, out.Payload).Locked)

	assert.Equal(t, model.CommandResultSuccess, d.Execute(message(model.CommandUnlock, "")).Result)
	assert.False(t, d.Locked())
}

func TestDevice_RestartAndStatusReport(t *testing.T) {
	d := NewDevice("2.3.1")

	assert.Equal(t, model.CommandResultSuccess, d.Execute(message(model.CommandRestart, `{"delaySeconds":5}`)).Result)
	assert.Equal(t, 1, d.Restarts())

	out := d.Execute(message(model.CommandUpdateStatus, `{"includeDeviceInfo":true}`))
	require.Equal(t, model.CommandResultSuccess, out.Result)
	report := decodeReport(t, out.Payload)
	assert.Equal(t, "ACTIVE", report.Status)
	assert.Equal(t, "2.3.1", report.Version)
}

func TestDevice_InvalidPayloadFails(t *testing.T) {
	d := NewDevice("1.0.0")

	out := d.Execute(message(model.CommandRestart, `{"delaySeconds":-1}`))
	assert.Equal(t, model.CommandResultFailed, out.Result)
	assert.Equal(t, 0, d.Restarts())

	out = d.Execute(message(model.CommandType("SELF_DESTRUCT"), `{}`))
	assert.Equal(t, model.CommandResultFailed, out.Result)
}
