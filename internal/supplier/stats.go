package supplier

import "context"

// Stats 汇总控制器的运行统计，常用于控制接口或健康检查。
// 计数器在控制器生命周期内累计，不随会话清零。
type Stats struct {
	State      State  `json:"state"`
	SessionID  string `json:"session_id,omitempty"`
	Discovered int64  `json:"discovered"`
	Delivered  int64  `json:"delivered"`
	Dropped    int64  `json:"dropped"`
	Faults     int64  `json:"faults"`
	// Incomplete 统计已交付但远端后续动作失败的文件，它们的去重记录被保留。
	Incomplete int64  `json:"incomplete"`
	Pending    int    `json:"pending"`
	StartedAt  int64  `json:"started_at,omitempty"`
}

// Stats 返回当前统计。队列长度读取失败时 Pending 为 -1。
func (c *Controller) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	stats := Stats{State: c.state}
	if c.session != nil {
		stats.SessionID = c.session.info.SessionID
		stats.StartedAt = c.startedAt.Unix()
	}
	c.mu.Unlock()

	stats.Discovered = c.discovered.Load()
	stats.Delivered = c.delivered.Load()
	stats.Dropped = c.dropped.Load()
	stats.Faults = c.faults.Load()
	stats.Incomplete = c.incomplete.Load()
	if n, err := c.queue.Len(ctx); err == nil {
		stats.Pending = n
	} else {
		stats.Pending = -1
	}
	return stats
}
