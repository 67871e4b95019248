package events

import (
	"context"
	"errors"
	"sync"
)

// MemoryStream 使用 channel 模拟事件流，主要用于测试与单机部署。
type MemoryStream struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryStream 创建一个内存事件流。
func NewMemoryStream(size int) *MemoryStream {
	if size <= 0 {
		size = 64
	}
	return &MemoryStream{ch: make(chan Event, size)}
}

// Publish 将事件投递到流中。
func (s *MemoryStream) Publish(ctx context.Context, event Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("事件流已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- event:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费事件。
func (s *MemoryStream) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-s.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存事件流。
func (s *MemoryStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	s.mu.Unlock()
	return nil
}

var _ Stream = (*MemoryStream)(nil)
