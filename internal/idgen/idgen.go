// Package idgen 生成机器人与订单使用的标识符。
package idgen

import (
	"crypto/md5"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// clientOrderIDMax 是币安 newClientOrderId 允许的最大长度。
const clientOrderIDMax = 36

// NewBotID returns a random uuid string.
func NewBotID() string {
	return uuid.NewString()
}

// NewOrderID returns a random client order id that fits exchange limits.
func NewOrderID(prefix string) string {
	id := uuid.New()
	return trim(prefix + base62.EncodeToString(id[:]))
}

// Sequence derives a deterministic run of order ids from a seed, so replaying
// the same candles produces the same ids.
type Sequence struct {
	prefix string
	base   uuid.UUID
	next   uint64
}

func NewSequence(prefix, seed string) *Sequence {
	return &Sequence{prefix: prefix, base: uuid.UUID(md5.Sum([]byte(seed)))}
}

func (s *Sequence) Next() string {
	var buf [16 + 8]byte
	copy(buf[:16], s.base[:])
	binary.BigEndian.PutUint64(buf[16:], s.next)
	s.next++
	sum := md5.Sum(buf[:])
	return trim(s.prefix + base62.EncodeToString(sum[:]))
}

func trim(id string) string {
	if len(id) > clientOrderIDMax {
		return id[:clientOrderIDMax]
	}
	return id
}
