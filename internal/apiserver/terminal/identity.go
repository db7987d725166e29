package terminal

import (
	"context"
	"fmt"
	"strings"

	"terminal-fleet/internal/shared/model"
	"terminal-fleet/internal/shared/storage"
)

// TerminalLookup 身份解析所需的只读查询
type TerminalLookup interface {
	GetTerminal(ctx context.Context, id string) (*model.Terminal, error)
	GetTerminalBySerial(ctx context.Context, serial string) (*model.Terminal, error)
	GetTerminalByLegacyID(ctx context.Context, legacyID string) (*model.Terminal, error)
}

var _ TerminalLookup = (storage.TerminalStore)(nil)

// lookupStrategy 一种查找方式；未命中返回 (nil, nil)
type lookupStrategy struct {
	name   string
	lookup func(ctx context.Context, identifier string) (*model.Terminal, error)
}

// Resolver 将入站标识符解析为唯一终端
//
// 依次尝试：内部 ID → 序列号 → 切换厂商前缀后的序列号 → 旧外部 ID，首个命中即返回。
// 只读，无副作用。
type Resolver struct {
	prefix     string
	strategies []lookupStrategy
}

// NewResolver 创建身份解析器；prefix 为厂商序列号前缀（可为空）
func NewResolver(store TerminalLookup, prefix string) *Resolver {
	r := &Resolver{prefix: strings.ToUpper(strings.TrimSpace(prefix))}
	r.strategies = []lookupStrategy{
		{name: "id", lookup: store.GetTerminal},
		{name: "serial", lookup: store.GetTerminalBySerial},
		{name: "prefixed_serial", lookup: func(ctx context.Context, identifier string) (*model.Terminal, error) {
			alt, ok := r.togglePrefix(identifier)
			if !ok {
				return nil, nil
			}
			return store.GetTerminalBySerial(ctx, alt)
		}},
		{name: "legacy_id", lookup: store.GetTerminalByLegacyID},
	}
	return r
}

// Resolve 解析标识符；未注册的硬件返回 (nil, nil)
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*model.Terminal, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, nil
	}
	for _, s := range r.strategies {
		t, err := s.lookup(ctx, identifier)
		if err != nil {
			return nil, fmt.Errorf("resolve %q by %s: %w", identifier, s.name, err)
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

// togglePrefix 带前缀则去掉，不带则补上
func (r *Resolver) togglePrefix(identifier string) (string, bool) {
	if r.prefix == "" {
		return "", false
	}
	upper := strings.ToUpper(identifier)
	if strings.HasPrefix(upper, r.prefix) {
		stripped := identifier[len(r.prefix):]
		return stripped, stripped != ""
	}
	return r.prefix + identifier, true
}

// NormalizeSerial 归一化序列号：去空白、转大写、去掉厂商前缀
func NormalizeSerial(serial, prefix string) string {
	s := strings.ToUpper(strings.TrimSpace(serial))
	p := strings.ToUpper(strings.TrimSpace(prefix))
	if p != "" && strings.HasPrefix(s, p) {
		s = s[len(p):]
	}
	return s
}

// SerialsMatch 两个序列号在前缀归一化后是否相同
func SerialsMatch(a, b, prefix string) bool {
	na, nb := NormalizeSerial(a, prefix), NormalizeSerial(b, prefix)
	return na != "" && na == nb
}
