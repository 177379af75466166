// Package notifier sends short operator alerts: escalated confirmations,
// failed deliveries and trust suppressions.
//
// Alerts are queued and sent by a small worker pool with a shared rate
// limit, bounded retry and a dedup window, so a flapping channel produces
// one alert instead of one per tick. The service also serves as the log
// alert sink.
package notifier
