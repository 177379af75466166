// Package tgui provides small text helpers for Telegram messages:
//   - HTML escaping and tags for ParseMode="HTML"
//   - Rune-safe truncation
//
// Report templates expose these as functions so custom layouts stay valid
// whatever the rider names and labels contain.
package tgui
