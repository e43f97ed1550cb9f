package state

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/adewale/keyboardia-sub006/model"
)

// Hash 计算规范化状态的指纹：确定性序列化后取 FNV-1a 32 位哈希，
// 渲染为 8 个十六进制字符。
//
// 这是一个快速的非加密哈希，用于客户端与权威端之间廉价的分歧预检，
// 不是安全边界；32 位空间的碰撞概率对这个用途是可接受的取舍。
// 哈希对顺序敏感：音轨重排会改变指纹。
func Hash(c CanonicalState) string {
	h := fnv.New32a()
	h.Write(serialize(c))
	return fmt.Sprintf("%08x", h.Sum32())
}

// HashState 对会话状态先规范化再取指纹的便捷入口
func HashState(s *model.SessionState) string {
	return Hash(Canonicalize(s))
}

// serialize 将规范化状态编码为确定性的字节序列。
// 字段按固定顺序写入并带类型前缀，字符串带长度前缀，避免字段边界歧义。
func serialize(c CanonicalState) []byte {
	var buf bytes.Buffer

	writeFloat(&buf, c.Tempo)
	writeFloat(&buf, c.Swing)
	writeInt(&buf, int64(len(c.Tracks)))

	for i := range c.Tracks {
		t := &c.Tracks[i]
		writeString(&buf, t.ID)
		writeString(&buf, t.Name)
		writeString(&buf, t.SampleID)
		writeInt(&buf, int64(t.StepCount))

		for _, on := range t.Steps {
			if on {
				buf.WriteByte('1')
			} else {
				buf.WriteByte('0')
			}
		}

		for _, p := range t.Params {
			if p == nil {
				buf.WriteByte('_')
				continue
			}
			buf.WriteByte('P')
			writeFloat(&buf, p.Velocity)
			writeInt(&buf, int64(p.Pitch))
			writeFloat(&buf, p.Prob)
		}

		writeFloat(&buf, t.Volume)
		writeInt(&buf, int64(t.Transpose))
		writeFloat(&buf, t.Swing)
	}

	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('s')
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}

func writeInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(v, 10))
	buf.WriteByte(';')
}

func writeFloat(buf *bytes.Buffer, v float64) {
	buf.WriteByte('f')
	buf.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	buf.WriteByte(';')
}
