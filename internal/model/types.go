package model

import (
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Subscription Types
// -----------------------------------------------------------------------------

// Mode selects the depth of market data delivered for a subscription.
type Mode uint8

const (
	ModeLTP   Mode = 1 // last traded price only
	ModeQuote Mode = 2 // LTP plus volume, OHLC and aggregate order quantities
	ModeDepth Mode = 3 // quote plus up to five levels of market depth per side
)

// String returns the canonical upper-case name used in topics and logs.
func (m Mode) String() string {
	switch m {
	case ModeLTP:
		return "LTP"
	case ModeQuote:
		return "QUOTE"
	case ModeDepth:
		return "DEPTH"
	default:
		return fmt.Sprintf("MODE(%d)", uint8(m))
	}
}

// Valid reports whether m is one of the defined modes.
func (m Mode) Valid() bool {
	return m >= ModeLTP && m <= ModeDepth
}

// ParseMode converts a textual or numeric mode ("ltp", "QUOTE", "3") into a
// Mode. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LTP", "1":
		return ModeLTP, nil
	case "QUOTE", "2":
		return ModeQuote, nil
	case "DEPTH", "3":
		return ModeDepth, nil
	default:
		return 0, fmt.Errorf("unknown subscription mode %q", s)
	}
}

// SubscriptionKey identifies one market-data subscription. The same symbol
// subscribed in two modes is two distinct keys.
type SubscriptionKey struct {
	Symbol   string // Trading symbol (e.g., "RELIANCE-EQ")
	Exchange string // Exchange segment (e.g., "NSE", "BSE", "NFO")
	Mode     Mode   // Data depth
}

// Topic renders the publish topic for this key under the given broker:
// "<broker>.<exchange>.<symbol>.<MODE>".
func (k SubscriptionKey) Topic(broker string) string {
	return broker + "." + k.Exchange + "." + k.Symbol + "." + k.Mode.String()
}

// String formats the key for logs and error messages.
func (k SubscriptionKey) String() string {
	return k.Exchange + ":" + k.Symbol + ":" + k.Mode.String()
}

// ParseKey parses an "EXCHANGE:SYMBOL:MODE" triple, the inverse of String.
func ParseKey(s string) (SubscriptionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return SubscriptionKey{}, fmt.Errorf("malformed subscription %q, want EXCHANGE:SYMBOL:MODE", s)
	}
	mode, err := ParseMode(parts[2])
	if err != nil {
		return SubscriptionKey{}, fmt.Errorf("subscription %q: %w", s, err)
	}
	return SubscriptionKey{Symbol: parts[1], Exchange: parts[0], Mode: mode}, nil
}
