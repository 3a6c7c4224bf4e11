// Package model defines the shared data types used across feedmux.
//
// Conventions:
//   - Prices: decimal.Decimal, already scaled to rupees (brokers send paise)
//   - Timestamps: int64 milliseconds since Unix epoch
//   - Subscriptions: (symbol, exchange, mode) triples; mode is 1/2/3 for
//     LTP, quote and depth
package model
