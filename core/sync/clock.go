package sync

import "time"

// Clock 提供毫秒时间戳。核心逻辑不直接读墙钟，时间一律从这里注入，
// 单元测试用确定性时钟驱动。
type Clock interface {
	NowMs() int64
}

// SystemClock 真实墙钟
type SystemClock struct{}

// NowMs 返回当前 Unix 毫秒
func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}

// ManualClock 测试用手动时钟
type ManualClock struct {
	Now int64
}

// NowMs 返回手动设置的时间
func (c *ManualClock) NowMs() int64 {
	return c.Now
}

// Advance 前进指定毫秒数
func (c *ManualClock) Advance(ms int64) {
	c.Now += ms
}
