package supplier

import (
	"context"
	"sync"
)

// session 是一次 Start 到 Stop 之间的运行期状态。
type session struct {
	info     Info
	target   Target
	pipeline *Pipeline
	gate     *Gate

	root       context.Context
	cancelRoot context.CancelFunc
	drain      bool

	mu            sync.Mutex
	stopDiscovery context.CancelFunc
	stopReceive   context.CancelFunc
	stopDispatch  context.CancelFunc
	stopping      bool
	draining      bool

	done chan struct{}
	err  error
}

func newSession(info Info, target Target, pipeline *Pipeline, drain bool) *session {
	root, cancel := context.WithCancel(context.Background())
	return &session{
		info:       info,
		target:     target,
		pipeline:   pipeline,
		gate:       NewGate(),
		root:       root,
		cancelRoot: cancel,
		drain:      drain,
		done:       make(chan struct{}),
	}
}

// bind 登记监督协程创建的取消函数。Stop 可能早于 bind 到达，此时立即生效。
func (s *session) bind(stopDiscovery, stopReceive, stopDispatch context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopDiscovery = stopDiscovery
	s.stopReceive = stopReceive
	s.stopDispatch = stopDispatch
	if s.stopping {
		s.applyStopLocked()
	}
}

// requestStop 先停止发现侧；派发侧按排空策略结束。
func (s *session) requestStop(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	s.draining = s.drain && !paused
	s.applyStopLocked()
}

func (s *session) applyStopLocked() {
	if s.stopDiscovery == nil {
		return
	}
	s.stopDiscovery()
	if s.draining {
		s.stopReceive()
		return
	}
	s.stopDispatch()
}

// isDraining 报告派发侧是否处于停止前的排空阶段。
func (s *session) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *session) forceStop() {
	s.cancelRoot()
}

func (s *session) finish(err error) {
	s.err = err
	s.cancelRoot()
	close(s.done)
}
