package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// Sign produces the HMAC-SHA256 request signature for Bybit V5.
// The signed payload is timestamp + apiKey + recvWindow + body, where body is
// the raw JSON for POST requests and the key-sorted query string for GET.
func Sign(secret, timestamp, apiKey, recvWindow, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + apiKey + recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

// RoundToStep floors a quantity to the instrument's step size.
func RoundToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}

// FormatQty renders a quantity with the number of decimals implied by the
// step size, stripping floating point tails like 0.26600000000000001.
func FormatQty(qty, step float64) string {
	decimals := stepDecimals(step)
	s := strconv.FormatFloat(qty, 'f', decimals, 64)
	if decimals > 0 {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// FormatPrice renders a price aligned to the instrument's tick size.
func FormatPrice(price, tick float64) string {
	if tick <= 0 {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	rounded := math.Round(price/tick) * tick
	return strconv.FormatFloat(rounded, 'f', stepDecimals(tick), 64)
}

func stepDecimals(step float64) int {
	if step >= 1 || step <= 0 {
		return 0
	}
	// 0.001 -> 3, 0.01 -> 2, tolerating binary representation noise.
	d := int(math.Ceil(-math.Log10(step) - 1e-9))
	if d < 0 {
		d = 0
	}
	if d > 8 {
		d = 8
	}
	return d
}
