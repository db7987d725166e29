// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"terminal-fleet/internal/shared/model"
	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/internal/shared/storage/dbutil"
	sqlitedriver "terminal-fleet/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func testNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }

func seedTerminal(t *testing.T, s *Store, id, serial string, status model.TerminalStatus, now time.Time) *model.Terminal {
	t.Helper()
	term := &model.Terminal{
		ID:          id,
		VenueID:     "venue-1",
		Serial:      serial,
		Status:      status,
		ActivatedAt: timePtr(now.Add(-time.Hour)),
		CreatedAt:   now.Add(-time.Hour),
		UpdatedAt:   now.Add(-time.Hour),
	}
	require.NoError(t, s.CreateTerminal(context.Background(), term))
	return term
}

func seedCommand(t *testing.T, s *Store, id, terminalID string, typ model.CommandType, priority int, createdAt time.Time) *model.Command {
	t.Helper()
	cmd := &model.Command{
		ID:            id,
		CorrelationID: "corr-" + id,
		TerminalID:    terminalID,
		VenueID:       "venue-1",
		Type:          typ,
		Payload:       json.RawMessage(`{}`),
		Priority:      priority,
		RequestedBy:   "op-1",
		Source:        model.CommandSourceAPI,
		Status:        model.CommandStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	require.NoError(t, s.CreateCommand(context.Background(), cmd))
	return cmd
}

func commandIDs(cmds []*model.Command) []string {
	ids := make([]string, 0, len(cmds))
	for _, c := range cmds {
		ids = append(ids, c.ID)
	}
	return ids
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "", d.SkipLockedClause())
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, dbutil.IsUniqueViolation(nil))
	assert.False(t, dbutil.IsUniqueViolation(errors.New("boom")))
	assert.True(t, dbutil.IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: terminals.id (1555)")))
}

// ============================================================================
// Terminal 测试
// ============================================================================

func TestTerminalCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	term := &model.Terminal{
		ID:               "term-001",
		VenueID:          "venue-1",
		Serial:           "AVQD-0001",
		LegacyExternalID: strPtr("legacy-42"),
		Status:           model.TerminalStatusInactive,
		DeviceInfo:       json.RawMessage(`{"battery":80}`),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.CreateTerminal(ctx, term))

	got, err := s.GetTerminal(ctx, "term-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "AVQD-0001", got.Serial)
	assert.Equal(t, model.TerminalStatusInactive, got.Status)
	assert.Nil(t, got.ActivatedAt)
	assert.Nil(t, got.LastHeartbeat)
	assert.False(t, got.Lock.Locked)
	assert.JSONEq(t, `{"battery":80}`, string(got.DeviceInfo))
	assert.True(t, got.CreatedAt.Equal(now))

	// 序列号大小写不敏感
	got, err = s.GetTerminalBySerial(ctx, "avqd-0001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "term-001", got.ID)

	got, err = s.GetTerminalByLegacyID(ctx, "LEGACY-42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "term-001", got.ID)

	// Get not found
	got, err = s.GetTerminal(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetTerminalBySerial(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateTerminal_DuplicateSerial(t *testing.T) {
	s := newTestStore(t)
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusActive, now)

	dup := &model.Terminal{ID: "term-2", VenueID: "venue-1", Serial: "avqd-1", Status: model.TerminalStatusInactive, CreatedAt: now, UpdatedAt: now}
	err := s.CreateTerminal(context.Background(), dup)
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestRecordHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusInactive, now)

	upd := model.HeartbeatUpdate{
		Status:         model.TerminalStatusActive,
		LastHeartbeat:  now,
		Version:        "2.4.1",
		DeviceInfo:     json.RawMessage(`{"model":"A920"}`),
		NetworkAddress: "10.0.0.7",
		ReceivedAt:     now,
	}
	got, err := s.RecordHeartbeat(ctx, "term-1", model.TerminalStatusInactive, upd)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TerminalStatusActive, got.Status)
	require.NotNil(t, got.LastHeartbeat)
	assert.True(t, got.LastHeartbeat.Equal(now))
	assert.Equal(t, "2.4.1", got.Version)
	assert.Equal(t, "10.0.0.7", got.NetworkAddress)

	// 期望状态不匹配 → ErrConflict，且不写入
	upd.Version = "9.9.9"
	_, err = s.RecordHeartbeat(ctx, "term-1", model.TerminalStatusInactive, upd)
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err = s.GetTerminal(ctx, "term-1")
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", got.Version)
}

func TestDemoteStaleTerminals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	stale := now.Add(-10 * time.Minute)
	fresh := now.Add(-30 * time.Second)

	for _, tc := range []struct {
		id     string
		status model.TerminalStatus
		hb     time.Time
	}{
		{"active-stale", model.TerminalStatusActive, stale},
		{"active-fresh", model.TerminalStatusActive, fresh},
		{"maint-stale", model.TerminalStatusMaintenance, stale},
		{"retired-stale", model.TerminalStatusRetired, stale},
	} {
		term := seedTerminal(t, s, tc.id, "SN-"+tc.id, tc.status, now)
		_, err := s.RecordHeartbeat(ctx, term.ID, tc.status, model.HeartbeatUpdate{
			Status: tc.status, LastHeartbeat: tc.hb, ReceivedAt: tc.hb,
		})
		require.NoError(t, err)
	}
	// 从未心跳且创建时间早于 cutoff
	seedTerminal(t, s, "active-never", "SN-never", model.TerminalStatusActive, now)

	cutoff := now.Add(-5 * time.Minute)
	demoted, err := s.DemoteStaleTerminals(ctx, cutoff, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"active-stale", "active-never"}, terminalIDs(demoted))
	for _, d := range demoted {
		assert.Equal(t, model.TerminalStatusInactive, d.Status)
	}

	for id, want := range map[string]model.TerminalStatus{
		"active-fresh":  model.TerminalStatusActive,
		"maint-stale":   model.TerminalStatusMaintenance,
		"retired-stale": model.TerminalStatusRetired,
	} {
		got, err := s.GetTerminal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	// 再次扫描无变化
	demoted, err = s.DemoteStaleTerminals(ctx, cutoff, now)
	require.NoError(t, err)
	assert.Empty(t, demoted)
}

func terminalIDs(terms []*model.Terminal) []string {
	ids := make([]string, 0, len(terms))
	for _, t := range terms {
		ids = append(ids, t.ID)
	}
	return ids
}

// ============================================================================
// Command 测试
// ============================================================================

func TestCommandCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusActive, now)

	cmd := seedCommand(t, s, "cmd-1", "term-1", model.CommandLock, 90, now)

	got, err := s.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.CommandLock, got.Type)
	assert.Equal(t, model.CommandStatusPending, got.Status)
	assert.Equal(t, 90, got.Priority)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.ExpiresAt)

	got, err = s.GetCommandByCorrelationID(ctx, "corr-cmd-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cmd-1", got.ID)

	got, err = s.GetCommand(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)

	seedCommand(t, s, "cmd-2", "term-1", model.CommandRestart, 50, now.Add(time.Second))
	list, err := s.ListCommandsByTerminal(ctx, "term-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd-2", "cmd-1"}, commandIDs(list))

	// 关联 ID 唯一
	dup := *cmd
	dup.ID = "cmd-3"
	assert.ErrorIs(t, s.CreateCommand(ctx, &dup), storage.ErrDuplicate)
}

func TestClaimPendingCommands_OrderAndCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusActive, now)
	seedTerminal(t, s, "term-2", "AVQD-2", model.TerminalStatusActive, now)

	seedCommand(t, s, "restart", "term-1", model.CommandRestart, 50, now.Add(-3*time.Minute))
	seedCommand(t, s, "lock", "term-1", model.CommandLock, 90, now.Add(-1*time.Minute))
	seedCommand(t, s, "shutdown", "term-1", model.CommandShutdown, 80, now.Add(-2*time.Minute))
	seedCommand(t, s, "status-old", "term-1", model.CommandUpdateStatus, 10, now.Add(-5*time.Minute))
	seedCommand(t, s, "status-new", "term-1", model.CommandUpdateStatus, 10, now.Add(-4*time.Minute))
	seedCommand(t, s, "other", "term-2", model.CommandLock, 90, now)

	got, err := s.ClaimPendingCommands(ctx, "term-1", storage.ClaimOptions{Now: now, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"lock", "shutdown", "restart"}, commandIDs(got))
	for _, c := range got {
		assert.Equal(t, model.CommandStatusSent, c.Status)
		assert.Equal(t, 1, c.Attempts)
		require.NotNil(t, c.LastAttemptAt)
		assert.True(t, c.LastAttemptAt.Equal(now))
	}

	// 已领取的不会再次返回；同优先级按创建时间升序
	got, err = s.ClaimPendingCommands(ctx, "term-1", storage.ClaimOptions{Now: now, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"status-old", "status-new"}, commandIDs(got))

	got, err = s.ClaimPendingCommands(ctx, "term-1", storage.ClaimOptions{Now: now, Limit: 3})
	require.NoError(t, err)
	assert.Empty(t, got)

	// 其他终端不受影响
	other, err := s.GetCommand(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusPending, other.Status)
}

func TestClaimPendingCommands_SkipsExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusActive, now)

	expired := seedCommand(t, s, "expired", "term-1", model.CommandLock, 90, now.Add(-time.Hour))
	_, err := s.DB().ExecContext(ctx, s.rebind(`UPDATE terminal_commands SET expires_at = $1 WHERE id = $2`),
		now.Add(-time.Minute), expired.ID)
	require.NoError(t, err)

	live := seedCommand(t, s, "live", "term-1", model.CommandRestart, 50, now.Add(-time.Hour))
	_, err = s.DB().ExecContext(ctx, s.rebind(`UPDATE terminal_commands SET expires_at = $1 WHERE id = $2`),
		now.Add(time.Minute), live.ID)
	require.NoError(t, err)

	got, err := s.ClaimPendingCommands(ctx, "term-1", storage.ClaimOptions{Now: now, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, commandIDs(got))

	// 过期命令保持原状态，不会被投递
	cmd, err := s.GetCommand(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusPending, cmd.Status)
	assert.True(t, cmd.IsExpired(now))
}

func TestClaimPendingCommands_Redelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusActive, now)
	seedCommand(t, s, "cmd-1", "term-1", model.CommandLock, 90, now.Add(-time.Minute))

	opts := storage.ClaimOptions{Now: now, Limit: 10, RedeliverBefore: now.Add(-30 * time.Second), MaxAttempts: 2}
	got, err := s.ClaimPendingCommands(ctx, "term-1", opts)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// 重投窗口内不会重复返回
	got, err = s.ClaimPendingCommands(ctx, "term-1", opts)
	require.NoError(t, err)
	assert.Empty(t, got)

	// 超过重投间隔后再次可领取
	later := now.Add(time.Minute)
	opts = storage.ClaimOptions{Now: later, Limit: 10, RedeliverBefore: later.Add(-30 * time.Second), MaxAttempts: 2}
	got, err = s.ClaimPendingCommands(ctx, "term-1", opts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Attempts)

	// 达到最大尝试次数后不再投递
	evenLater := later.Add(time.Minute)
	opts = storage.ClaimOptions{Now: evenLater, Limit: 10, RedeliverBefore: evenLater.Add(-30 * time.Second), MaxAttempts: 2}
	got, err = s.ClaimPendingCommands(ctx, "term-1", opts)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClaimPendingCommands_ZeroLimit(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ClaimPendingCommands(context.Background(), "term-1", storage.ClaimOptions{Now: testNow()})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCompleteCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusActive, now)
	seedCommand(t, s, "cmd-1", "term-1", model.CommandLock, 90, now)

	lockedAt := now
	change := &model.TerminalStateChange{Lock: &model.LockState{
		Locked: true, Reason: "audit", Message: "see manager", LockedBy: "op-1", LockedAt: &lockedAt,
	}}
	completion := model.CommandCompletion{
		CommandID:     "cmd-1",
		Status:        model.CommandStatusCompleted,
		Result:        model.CommandResultSuccess,
		Message:       "locked",
		ResultPayload: json.RawMessage(`{"locked":true}`),
		ExecutedAt:    now,
	}
	term, err := s.CompleteCommand(ctx, completion, "term-1", change)
	require.NoError(t, err)
	require.NotNil(t, term)
	assert.True(t, term.Lock.Locked)
	assert.Equal(t, "audit", term.Lock.Reason)
	assert.Equal(t, "op-1", term.Lock.LockedBy)
	assert.Equal(t, model.TerminalStatusActive, term.Status)

	cmd, err := s.GetCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusCompleted, cmd.Status)
	require.NotNil(t, cmd.Result)
	assert.Equal(t, model.CommandResultSuccess, *cmd.Result)
	assert.Equal(t, "locked", cmd.ResultMessage)
	assert.JSONEq(t, `{"locked":true}`, string(cmd.ResultPayload))

	// 重复确认 → ErrConflict，终端状态不再变化
	unlock := model.Unlocked()
	_, err = s.CompleteCommand(ctx, completion, "term-1", &model.TerminalStateChange{Lock: &unlock})
	assert.ErrorIs(t, err, storage.ErrConflict)

	term, err = s.GetTerminal(ctx, "term-1")
	require.NoError(t, err)
	assert.True(t, term.Lock.Locked)
}

func TestCompleteCommand_StatusChangeNeverLeavesRetired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusRetired, now)
	seedCommand(t, s, "cmd-1", "term-1", model.CommandReactivate, 60, now)

	active := model.TerminalStatusActive
	term, err := s.CompleteCommand(ctx, model.CommandCompletion{
		CommandID: "cmd-1", Status: model.CommandStatusCompleted, Result: model.CommandResultSuccess, ExecutedAt: now,
	}, "term-1", &model.TerminalStateChange{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusRetired, term.Status)
}

func TestCompleteCommand_FromStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusInactive, now)
	seedCommand(t, s, "cmd-1", "term-1", model.CommandExitMaintenance, 70, now)

	active, maintenance := model.TerminalStatusActive, model.TerminalStatusMaintenance
	term, err := s.CompleteCommand(ctx, model.CommandCompletion{
		CommandID: "cmd-1", Status: model.CommandStatusCompleted, Result: model.CommandResultSuccess, ExecutedAt: now,
	}, "term-1", &model.TerminalStateChange{Status: &active, FromStatus: &maintenance})
	require.NoError(t, err)
	assert.Equal(t, model.TerminalStatusInactive, term.Status)
}

func TestCompleteCommand_NoChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()
	seedTerminal(t, s, "term-1", "AVQD-1", model.TerminalStatusMaintenance, now)

	for i, result := range []model.CommandResult{model.CommandResultFailed, model.CommandResultTimeout} {
		id := fmt.Sprintf("cmd-%d", i)
		seedCommand(t, s, id, "term-1", model.CommandRestart, 50, now)
		term, err := s.CompleteCommand(ctx, model.CommandCompletion{
			CommandID: id, Status: result.FinalStatus(), Result: result, ExecutedAt: now,
		}, "term-1", nil)
		require.NoError(t, err)
		assert.Equal(t, model.TerminalStatusMaintenance, term.Status)

		cmd, err := s.GetCommand(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.CommandStatusFailed, cmd.Status)
	}
}
