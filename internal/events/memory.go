package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryPublisher 在内存中记录事件，主要用于测试与单机部署。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemoryPublisher 创建内存事件发布器。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 实现 Publisher 接口。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("事件发布器已关闭")
	}
	p.events = append(p.events, event)
	return nil
}

// Events 返回已发布事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// ByType 返回指定类型的事件。
func (p *MemoryPublisher) ByType(eventType Type) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []Event
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

// Close 实现 Publisher 接口。
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// ensure interface compliance at compile time
var _ Publisher = (*MemoryPublisher)(nil)
