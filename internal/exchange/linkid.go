package exchange

import (
	"fmt"

	"bybit-grid-bot-go/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewOrderLinkID 为一次挂单生成新的幂等标识。
// Encodes the side and grid index for debuggability plus a base62 uuid for
// uniqueness. Stays under Bybit's 36 character orderLinkId limit.
func NewOrderLinkID(side models.Side, gridIndex int) string {
	tag := "b"
	if side == models.Sell {
		tag = "s"
	}
	id := uuid.New()
	return fmt.Sprintf("grid_%s_%d_%s", tag, gridIndex, base62.EncodeToString(id[:]))
}
