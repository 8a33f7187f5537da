package llm

import (
	"encoding/json"
	"strings"
)

// Entry decisions.
const (
	DecisionBuy  = "BUY"
	DecisionSell = "SELL"
	DecisionHold = "HOLD"
)

// Position actions.
const (
	ActionHold     = "HOLD"
	ActionClose25  = "CLOSE_25"
	ActionClose50  = "CLOSE_50"
	ActionClose100 = "CLOSE_100"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// EntryVerdict is the validated new-entry decision.
type EntryVerdict struct {
	Decision          string  `json:"decision"`
	Confidence        float64 `json:"confidence"`
	Reasoning         string  `json:"reasoning"`
	SuggestedLeverage int     `json:"suggested_leverage"`
	RiskLevel         string  `json:"risk_level"`
	MarketSentiment   string  `json:"market_sentiment"`
}

// PositionVerdict is the validated position-management decision.
type PositionVerdict struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	RiskLevel  string  `json:"risk_level"`
}

// ConservativeEntry is the verdict used when the engine is unreachable.
func ConservativeEntry(reason string) *EntryVerdict {
	return &EntryVerdict{
		Decision:          DecisionHold,
		Confidence:        0.1,
		Reasoning:         reason,
		SuggestedLeverage: 5,
		RiskLevel:         RiskMedium,
		MarketSentiment:   "neutral",
	}
}

// ConservativePosition is the position verdict used when the engine is
// unreachable.
func ConservativePosition(reason string) *PositionVerdict {
	return &PositionVerdict{
		Action:     ActionHold,
		Confidence: 0.1,
		Reasoning:  reason,
		RiskLevel:  RiskMedium,
	}
}

// stripMarkdownCodeBlock removes markdown code fences the model sometimes
// wraps its JSON in.
func stripMarkdownCodeBlock(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		if idx := strings.Index(response, "\n"); idx != -1 {
			response = response[idx+1:]
		} else {
			response = strings.TrimPrefix(response, "```json")
			response = strings.TrimPrefix(response, "```")
		}
	}
	if idx := strings.LastIndex(response, "```"); idx != -1 {
		response = response[:idx]
	}
	return strings.TrimSpace(response)
}

// extractJSON returns the first balanced {...} block in the text, or "".
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// ParseEntryVerdict turns a raw model reply into a validated entry verdict.
// Parse failures fall back to a case-insensitive BUY/SELL scan at low
// confidence; out-of-range fields are coerced to conservative defaults.
func ParseEntryVerdict(raw string) *EntryVerdict {
	clean := stripMarkdownCodeBlock(raw)
	block := extractJSON(clean)
	if block == "" {
		return fallbackEntry(raw)
	}

	var v EntryVerdict
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		return fallbackEntry(raw)
	}
	return sanitizeEntry(&v)
}

// ParsePositionVerdict turns a raw model reply into a validated position
// verdict.
func ParsePositionVerdict(raw string) *PositionVerdict {
	clean := stripMarkdownCodeBlock(raw)
	block := extractJSON(clean)
	if block == "" {
		return fallbackPosition(raw)
	}

	var v PositionVerdict
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		return fallbackPosition(raw)
	}
	return sanitizePosition(&v)
}

func sanitizeEntry(v *EntryVerdict) *EntryVerdict {
	switch strings.ToUpper(strings.TrimSpace(v.Decision)) {
	case DecisionBuy:
		v.Decision = DecisionBuy
	case DecisionSell:
		v.Decision = DecisionSell
	default:
		v.Decision = DecisionHold
	}

	if v.Confidence < 0 || v.Confidence > 1 {
		v.Confidence = 0.5
	}
	if v.SuggestedLeverage < 1 || v.SuggestedLeverage > 50 {
		v.SuggestedLeverage = 5
	}
	v.RiskLevel = sanitizeRisk(v.RiskLevel)

	switch strings.ToLower(strings.TrimSpace(v.MarketSentiment)) {
	case "bullish":
		v.MarketSentiment = "bullish"
	case "bearish":
		v.MarketSentiment = "bearish"
	default:
		v.MarketSentiment = "neutral"
	}
	return v
}

func sanitizePosition(v *PositionVerdict) *PositionVerdict {
	switch strings.ToUpper(strings.TrimSpace(v.Action)) {
	case ActionClose25:
		v.Action = ActionClose25
	case ActionClose50:
		v.Action = ActionClose50
	case ActionClose100:
		v.Action = ActionClose100
	default:
		v.Action = ActionHold
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		v.Confidence = 0.5
	}
	v.RiskLevel = sanitizeRisk(v.RiskLevel)
	return v
}

func sanitizeRisk(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case RiskLow:
		return RiskLow
	case RiskHigh:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// fallbackEntry scans free-form text for a directional keyword.
func fallbackEntry(raw string) *EntryVerdict {
	upper := strings.ToUpper(raw)
	v := ConservativeEntry("fallback: unstructured model reply")
	v.Confidence = 0.3
	if strings.Contains(upper, DecisionBuy) && !strings.Contains(upper, DecisionSell) {
		v.Decision = DecisionBuy
	} else if strings.Contains(upper, DecisionSell) && !strings.Contains(upper, DecisionBuy) {
		v.Decision = DecisionSell
	} else {
		v.Decision = DecisionHold
		v.Confidence = 0.5
	}
	return v
}

func fallbackPosition(raw string) *PositionVerdict {
	upper := strings.ToUpper(raw)
	v := ConservativePosition("fallback: unstructured model reply")
	v.Confidence = 0.3
	switch {
	case strings.Contains(upper, ActionClose100):
		v.Action = ActionClose100
	case strings.Contains(upper, ActionClose50):
		v.Action = ActionClose50
	case strings.Contains(upper, ActionClose25):
		v.Action = ActionClose25
	}
	return v
}
