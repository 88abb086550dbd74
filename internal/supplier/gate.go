package supplier

import (
	"context"
	"sync"
)

// Gate 是发现与派发两侧共享的暂停信号。
type Gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// NewGate 返回一个处于放行状态的 Gate。
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{resume: ch}
}

// Pause 关闭闸门，已暂停时返回 false。
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.resume = make(chan struct{})
	return true
}

// Resume 打开闸门，未暂停时返回 false。
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resume)
	return true
}

// Paused 报告闸门是否关闭。
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait 在暂停期间阻塞，直到恢复或 ctx 结束。
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
