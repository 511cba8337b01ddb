package matching

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bourse/domain/orderbook"
)

// tradeNamespace scopes deterministic trade ids.
var tradeNamespace = uuid.MustParse("6f1c54e2-8f0b-4c8e-9a57-5a3c1e0b7d21")

// Trade is immutable once emitted.
type Trade struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	TakerOrderID string          `json:"takerOrderId"`
	MakerOrderID string          `json:"makerOrderId"`
	TakerSide    orderbook.Side  `json:"takerSide"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Timestamp    time.Time       `json:"timestamp"`
	Seq          uint64          `json:"seq"`
}

// TradeID is stable for a given taker and fill index, so a replayed pass
// produces the same ids and downstream upserts stay idempotent.
func TradeID(takerID string, fill int) string {
	return uuid.NewSHA1(tradeNamespace, []byte(takerID+"/"+strconv.Itoa(fill))).String()
}
