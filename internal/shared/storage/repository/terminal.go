// Package repository Terminal 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"terminal-fleet/internal/shared/model"
	"terminal-fleet/internal/shared/storage"
	"terminal-fleet/internal/shared/storage/dbutil"
)

const terminalColumns = `id, venue_id, serial, legacy_external_id, status, activated_at, last_heartbeat,
	version, device_info, network_address, locked, lock_reason, lock_message, locked_by, locked_at,
	created_at, updated_at`

// CreateTerminal 创建终端
func (s *Store) CreateTerminal(ctx context.Context, t *model.Terminal) error {
	query := s.rebind(`
		INSERT INTO terminals (` + terminalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.VenueID, t.Serial, t.LegacyExternalID, string(t.Status), t.ActivatedAt, t.LastHeartbeat,
		t.Version, nullableJSONArg(t.DeviceInfo), t.NetworkAddress,
		t.Lock.Locked, t.Lock.Reason, t.Lock.Message, t.Lock.LockedBy, t.Lock.LockedAt,
		t.CreatedAt, t.UpdatedAt)
	if dbutil.IsUniqueViolation(err) {
		return fmt.Errorf("terminal %s: %w", t.Serial, storage.ErrDuplicate)
	}
	return err
}

// GetTerminal 按内部 ID 获取终端
func (s *Store) GetTerminal(ctx context.Context, id string) (*model.Terminal, error) {
	query := s.rebind(`SELECT ` + terminalColumns + ` FROM terminals WHERE id = $1`)
	return s.getTerminal(ctx, query, id)
}

// GetTerminalBySerial 按硬件序列号获取终端（大小写不敏感）
func (s *Store) GetTerminalBySerial(ctx context.Context, serial string) (*model.Terminal, error) {
	query := s.rebind(`SELECT ` + terminalColumns + ` FROM terminals WHERE UPPER(serial) = UPPER($1)`)
	return s.getTerminal(ctx, query, serial)
}

// GetTerminalByLegacyID 按旧外部 ID 获取终端（大小写不敏感）
func (s *Store) GetTerminalByLegacyID(ctx context.Context, legacyID string) (*model.Terminal, error) {
	query := s.rebind(`SELECT ` + terminalColumns + ` FROM terminals
		WHERE legacy_external_id IS NOT NULL AND UPPER(legacy_external_id) = UPPER($1)
		ORDER BY created_at ASC LIMIT 1`)
	return s.getTerminal(ctx, query, legacyID)
}

func (s *Store) getTerminal(ctx context.Context, query string, arg string) (*model.Terminal, error) {
	t, err := scanTerminal(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// RecordHeartbeat 原子写入心跳字段
//
// 以 status = expected 作为乐观锁条件：读取与写入之间若有命令确认修改了状态，
// 本次更新不生效并返回 ErrConflict，由调用方重新读取后再计算。
func (s *Store) RecordHeartbeat(ctx context.Context, id string, expected model.TerminalStatus, upd model.HeartbeatUpdate) (*model.Terminal, error) {
	query := s.rebind(`
		UPDATE terminals
		SET status = $1, last_heartbeat = $2, version = $3, device_info = $4,
		    network_address = $5, updated_at = $6
		WHERE id = $7 AND status = $8
		RETURNING ` + terminalColumns)

	t, err := scanTerminal(s.db.QueryRowContext(ctx, query,
		string(upd.Status), upd.LastHeartbeat, upd.Version, nullableJSONArg(upd.DeviceInfo),
		upd.NetworkAddress, upd.ReceivedAt, id, string(expected)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("terminal %s heartbeat: %w", id, storage.ErrConflict)
	}
	return t, err
}

// DemoteStaleTerminals 将心跳过期的 ACTIVE 终端降级为 INACTIVE
//
// 只匹配 ACTIVE：MAINTENANCE 是运维设置的状态，扫描不得覆盖。
// 从未心跳的 ACTIVE 终端以 created_at 判断。
func (s *Store) DemoteStaleTerminals(ctx context.Context, cutoff, now time.Time) ([]*model.Terminal, error) {
	query := s.rebind(`
		UPDATE terminals
		SET status = 'INACTIVE', updated_at = $1
		WHERE status = 'ACTIVE'
		  AND ((last_heartbeat IS NOT NULL AND last_heartbeat < $2)
		       OR (last_heartbeat IS NULL AND created_at < $3))
		RETURNING ` + terminalColumns)

	rows, err := s.db.QueryContext(ctx, query, now, cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTerminals(rows)
}

// updateTerminalState 在事务内应用命令确认带来的终端状态修改
func (s *Store) updateTerminalState(ctx context.Context, tx *sql.Tx, terminalID string, change *model.TerminalStateChange, now time.Time) error {
	if change.Status != nil {
		query := `UPDATE terminals SET status = $1, updated_at = $2 WHERE id = $3 AND status <> 'RETIRED'`
		args := []interface{}{string(*change.Status), now, terminalID}
		if change.FromStatus != nil {
			query += ` AND status = $4`
			args = append(args, string(*change.FromStatus))
		}
		if _, err := tx.ExecContext(ctx, s.rebind(query), args...); err != nil {
			return fmt.Errorf("update terminal status: %w", err)
		}
	}
	if change.Lock != nil {
		query := s.rebind(`
			UPDATE terminals
			SET locked = $1, lock_reason = $2, lock_message = $3, locked_by = $4, locked_at = $5, updated_at = $6
			WHERE id = $7`)
		l := change.Lock
		if _, err := tx.ExecContext(ctx, query, l.Locked, l.Reason, l.Message, l.LockedBy, l.LockedAt, now, terminalID); err != nil {
			return fmt.Errorf("update terminal lock: %w", err)
		}
	}
	return nil
}

func scanTerminal(row scanner) (*model.Terminal, error) {
	t := &model.Terminal{}
	var deviceInfo NullableJSON
	err := row.Scan(
		&t.ID, &t.VenueID, &t.Serial, &t.LegacyExternalID, &t.Status, &t.ActivatedAt, &t.LastHeartbeat,
		&t.Version, &deviceInfo.Data, &t.NetworkAddress,
		&t.Lock.Locked, &t.Lock.Reason, &t.Lock.Message, &t.Lock.LockedBy, &t.Lock.LockedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.DeviceInfo = deviceInfo.Value()
	return t, nil
}

func scanTerminals(rows *sql.Rows) ([]*model.Terminal, error) {
	var terminals []*model.Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		terminals = append(terminals, t)
	}
	return terminals, rows.Err()
}
