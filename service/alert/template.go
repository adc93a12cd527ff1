package alert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brojonat/whalewatch/service/db"
	"github.com/shopspring/decimal"
)

type relatedData struct {
	WhaleID          int64        `json:"whale_id"`
	ValueETH         json.Number  `json:"value_eth"`
	ValueUSD         *json.Number `json:"value_usd"`
	ExchangeInvolved bool         `json:"exchange_involved"`
}

// Title renders the alert headline for a whale.
func Title(w *db.WhaleTransaction) string {
	return fmt.Sprintf("Large Whale Transfer: %s ETH", w.ValueETH.StringFixed(2))
}

// Message renders the Markdown body sent to the notification channel.
func Message(w *db.WhaleTransaction) string {
	usd := decimal.Zero
	if w.ValueUSD.Valid {
		usd = w.ValueUSD.Decimal
	}
	exchange := "No"
	if w.ExchangeInvolved {
		exchange = "Yes"
	}

	var b strings.Builder
	b.WriteString("🐋 *WHALE ALERT* 🚨\n\n")
	fmt.Fprintf(&b, "*Amount:* %s ETH ($%s)\n", w.ValueETH.StringFixed(2), groupThousands(usd.StringFixed(2)))
	fmt.Fprintf(&b, "*Priority:* %s\n", strings.ToUpper(string(w.Priority)))
	fmt.Fprintf(&b, "*Exchange Involved:* %s\n\n", exchange)
	fmt.Fprintf(&b, "*From:* `%s`\n", w.FromAddress)
	fmt.Fprintf(&b, "*To:* `%s`\n\n", w.ToAddress)
	fmt.Fprintf(&b, "*Transaction:* `%s`\n", hexHash(w.TxHash))
	fmt.Fprintf(&b, "*Block:* %d\n", w.BlockNumber)
	fmt.Fprintf(&b, "*Time:* %s UTC\n\n", w.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "*Etherscan:* https://etherscan.io/block/%d", w.BlockNumber)
	return b.String()
}

// NewAlertParams builds the pending alert for a whale. The alert inherits the
// whale's priority.
func NewAlertParams(w *db.WhaleTransaction) (db.CreateAlertParams, error) {
	data := relatedData{
		WhaleID:          w.ID,
		ValueETH:         json.Number(w.ValueETH.String()),
		ExchangeInvolved: w.ExchangeInvolved,
	}
	if w.ValueUSD.Valid {
		usd := json.Number(w.ValueUSD.Decimal.StringFixed(2))
		data.ValueUSD = &usd
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return db.CreateAlertParams{}, fmt.Errorf("marshal related data for %s: %w", w.TxHash, err)
	}

	return db.CreateAlertParams{
		AlertType:     db.AlertTypeWhaleTransfer,
		Priority:      w.Priority,
		Title:         Title(w),
		Message:       Message(w),
		RelatedTxHash: w.TxHash,
		RelatedData:   raw,
	}, nil
}

func hexHash(h string) string {
	if strings.HasPrefix(h, "0x") {
		return h
	}
	return "0x" + h
}

// groupThousands inserts comma separators into a fixed-point decimal string.
func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := sign + b.String()
	if hasFrac {
		out += "." + frac
	}
	return out
}
