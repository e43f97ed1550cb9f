package sync

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMaxAgeMs = 60000

func newTestTracker() *Tracker {
	return NewTracker(testMaxAgeMs)
}

func toggle(trackID string, step int) Payload {
	return ToggleStep{TrackID: trackID, Step: step, On: true}
}

func TestTrackIdempotent(t *testing.T) {
	tr := newTestTracker()

	// 同一 seq 重复登记不会让 pending 计数超过 1
	for i := 0; i < 5; i++ {
		tr.Track(1, toggle("a", 3), 100, 100)
	}

	assert.Equal(t, 1, tr.Stats().Pending)

	// 原始时间戳保留
	m, ok := tr.Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(100), m.SentAt)
}

func TestConfirmTransitions(t *testing.T) {
	tr := newTestTracker()
	tr.Track(1, toggle("a", 0), 0, 0)

	assert.True(t, tr.Confirm(1, 10))

	s := tr.Stats()
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, 1, s.Confirmed)

	m, ok := tr.Get(1)
	require.True(t, ok)
	assert.Equal(t, StateConfirmed, m.State)
	assert.Equal(t, int64(10), m.ConfirmedAtServerSeq)

	// 重复确认不是幂等操作：返回 false 且不改变任何计数
	assert.False(t, tr.Confirm(1, 11))
	assert.Equal(t, 1, tr.Stats().Confirmed)

	// 未知 seq
	assert.False(t, tr.Confirm(99, 12))
}

func TestSupersedeLostMutualExclusion(t *testing.T) {
	tr := newTestTracker()
	tr.Track(1, toggle("a", 0), 0, 0)
	tr.Track(2, toggle("a", 1), 0, 0)

	assert.True(t, tr.MarkSuperseded(1, 42))
	assert.False(t, tr.MarkLost(1), "superseded mutation cannot become lost")

	assert.True(t, tr.MarkLost(2))
	assert.False(t, tr.MarkSuperseded(2, 42), "lost mutation cannot become superseded")

	s := tr.Stats()
	assert.Equal(t, Stats{Pending: 0, Confirmed: 0, Superseded: 1, Lost: 1}, s)

	// 终态条目已从映射移除
	_, ok := tr.Get(1)
	assert.False(t, ok)
	_, ok = tr.Get(2)
	assert.False(t, ok)
}

func TestConfirmedCannotBeSupersededOrLost(t *testing.T) {
	tr := newTestTracker()
	tr.Track(1, toggle("a", 0), 0, 0)
	require.True(t, tr.Confirm(1, 5))

	assert.False(t, tr.MarkSuperseded(1, 42))
	assert.False(t, tr.MarkLost(1))
	assert.Equal(t, 1, tr.Stats().Confirmed)
}

func TestPruneOldNoDoubleCount(t *testing.T) {
	tr := newTestTracker()
	tr.Track(1, toggle("a", 0), 0, 0)

	// 未超时不清理
	assert.Equal(t, 0, tr.PruneOld(20000, 30000))

	// 超时转为 lost
	assert.Equal(t, 1, tr.PruneOld(40000, 30000))
	assert.Equal(t, 1, tr.Stats().Lost)

	// 再次调用不会重复计数
	assert.Equal(t, 0, tr.PruneOld(50000, 30000))
	assert.Equal(t, 1, tr.Stats().Lost)
}

func TestClearOnSnapshotBySeq(t *testing.T) {
	tr := newTestTracker()

	tr.Track(1, toggle("a", 0), 0, 0)
	tr.Track(2, toggle("a", 1), 0, 0)
	tr.Track(3, toggle("a", 2), 0, 0)
	require.True(t, tr.Confirm(1, 10))
	require.True(t, tr.Confirm(2, 20))

	// 快照序号 15：只有 confirmedAtServerSeq<=15 的被清理；pending 永远不碰
	cleared := tr.ClearOnSnapshot(15, 1000)
	assert.Equal(t, 1, cleared)

	_, ok := tr.Get(1)
	assert.False(t, ok, "confirmed at 10 <= snapshot 15 must be cleared")
	m, ok := tr.Get(2)
	require.True(t, ok, "confirmed at 20 > snapshot 15 must be kept")
	assert.Equal(t, StateConfirmed, m.State)
	m, ok = tr.Get(3)
	require.True(t, ok, "pending must never be cleared by snapshot")
	assert.Equal(t, StatePending, m.State)
}

func TestClearOnSnapshotBoundaryEqual(t *testing.T) {
	tr := newTestTracker()
	tr.Track(1, toggle("a", 3), 0, 0)
	require.True(t, tr.Confirm(1, 10))

	// c == s 时快照生成于效果应用之后，必须清理
	assert.Equal(t, 1, tr.ClearOnSnapshot(10, 1000))
}

func TestClearOnSnapshotFallbackMaxAge(t *testing.T) {
	tr := newTestTracker()

	tr.Track(1, toggle("a", 0), 0, 0)
	tr.Track(2, toggle("a", 1), 50000, 50000)
	require.True(t, tr.Confirm(1, 0)) // 无权威序号
	require.True(t, tr.Confirm(2, 0))

	// 快照不带序号：只有超过兜底年龄的 confirmed 条目被清理
	cleared := tr.ClearOnSnapshot(0, 70000)
	assert.Equal(t, 1, cleared)

	_, ok := tr.Get(1)
	assert.False(t, ok, "age 70000 > maxAge must be cleared")
	_, ok = tr.Get(2)
	assert.True(t, ok, "age 20000 < maxAge must be kept")
}

func TestClearOnSnapshotMissingSnapshotSeqKeepsFreshConfirmed(t *testing.T) {
	tr := newTestTracker()
	tr.Track(1, toggle("a", 0), 0, 0)
	require.True(t, tr.Confirm(1, 10))

	// 变更带序号但快照不带：退回年龄兜底，未超龄则保留
	assert.Equal(t, 0, tr.ClearOnSnapshot(0, 1000))
	_, ok := tr.Get(1)
	assert.True(t, ok)
}

func TestFindPendingNewestWins(t *testing.T) {
	tr := newTestTracker()
	target := Target{TrackID: "a", Step: 3}

	tr.Track(1, toggle("a", 3), 0, 0)
	tr.Track(2, toggle("a", 3), 10, 10)
	tr.Track(3, toggle("b", 3), 20, 20)

	m, ok := tr.FindPending(target)
	require.True(t, ok)
	assert.Equal(t, int64(2), m.Seq, "newest pending for the target wins")

	// confirmed 条目不参与冲突匹配
	require.True(t, tr.Confirm(2, 1))
	m, ok = tr.FindPending(target)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Seq)

	_, ok = tr.FindPending(Target{TrackID: "zz", Step: 0})
	assert.False(t, ok)
}

func TestDumpSortedAndClear(t *testing.T) {
	tr := newTestTracker()
	tr.Track(3, toggle("a", 2), 0, 0)
	tr.Track(1, toggle("a", 0), 0, 0)
	tr.Track(2, toggle("a", 1), 0, 0)

	dump := tr.Dump()
	require.Len(t, dump, 3)
	assert.Equal(t, int64(1), dump[0].Seq)
	assert.Equal(t, int64(2), dump[1].Seq)
	assert.Equal(t, int64(3), dump[2].Seq)

	tr.Clear()
	assert.Empty(t, tr.Dump())
	assert.Equal(t, 0, tr.Stats().Pending)
}

// TestRandomOperationSequence 随机操作序列下的不变式：
// 存活条目状态恒为 pending/confirmed 之一，统计与映射一致，
// superseded/lost 累计计数与参考模型吻合。
func TestRandomOperationSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	tr := newTestTracker()

	var nextSeq int64
	refSuperseded, refLost := 0, 0

	for i := 0; i < 2000; i++ {
		switch rng.Intn(6) {
		case 0: // 新变更
			nextSeq++
			tr.Track(nextSeq, toggle("a", rng.Intn(16)), int64(i*10), int64(i*10))
		case 1: // 重复登记已有 seq
			if nextSeq > 0 {
				tr.Track(rng.Int63n(nextSeq)+1, toggle("a", 0), int64(i*10), int64(i*10))
			}
		case 2: // 确认随机 seq
			if nextSeq > 0 {
				tr.Confirm(rng.Int63n(nextSeq)+1, int64(i))
			}
		case 3: // 抢占随机 seq
			if nextSeq > 0 && tr.MarkSuperseded(rng.Int63n(nextSeq)+1, 7) {
				refSuperseded++
			}
		case 4: // 丢失随机 seq
			if nextSeq > 0 && tr.MarkLost(rng.Int63n(nextSeq)+1) {
				refLost++
			}
		case 5: // 快照清理
			tr.ClearOnSnapshot(int64(rng.Intn(i+1)), int64(i*10))
		}

		// 单一状态不变式 + 统计与映射一致
		dump := tr.Dump()
		pending, confirmed := 0, 0
		for _, m := range dump {
			switch m.State {
			case StatePending:
				pending++
			case StateConfirmed:
				confirmed++
			default:
				t.Fatalf("live map contains terminal state %s at seq %d", m.State, m.Seq)
			}
		}

		s := tr.Stats()
		require.Equal(t, pending, s.Pending, "iteration %d", i)
		require.Equal(t, confirmed, s.Confirmed, "iteration %d", i)
		require.Equal(t, refSuperseded, s.Superseded, "iteration %d", i)
		require.Equal(t, refLost, s.Lost, "iteration %d", i)
	}
}
