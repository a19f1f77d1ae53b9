// Package metrics registers the service's OpenTelemetry instruments on the
// global meter. Without a configured meter provider they are no-ops, so
// callers record unconditionally.
package metrics

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("solace")

var (
	SessionsStarted      metric.Int64Counter
	SessionsPaused       metric.Int64Counter
	SessionsResumed      metric.Int64Counter
	SessionsCompleted    metric.Int64Counter
	SessionsTerminated   metric.Int64Counter
	MessagesIngested     metric.Int64Counter
	MessagesDeduplicated metric.Int64Counter
	FallbackPolls        metric.Int64Counter
	AnalysisFailures     metric.Int64Counter

	SessionDurationMinutes  metric.Float64Histogram
	AssistantRequestSeconds metric.Float64Histogram
)

func init() {
	SessionsStarted = counter("sessions_started", "Sessions created")
	SessionsPaused = counter("sessions_paused", "Sessions paused, explicit or idle")
	SessionsResumed = counter("sessions_resumed", "Paused sessions resumed")
	SessionsCompleted = counter("sessions_completed", "Sessions completed, user or forced")
	SessionsTerminated = counter("sessions_terminated", "Sessions terminated on error paths")
	MessagesIngested = counter("messages_ingested", "Messages accepted into session state")
	MessagesDeduplicated = counter("messages_deduplicated", "Duplicate message arrivals dropped")
	FallbackPolls = counter("fallback_polls", "Fallback poll rounds that ran to exhaustion")
	AnalysisFailures = counter("analysis_failures", "Completed sessions whose analysis failed")

	SessionDurationMinutes = histogram("session_duration_minutes", "Completed session length in minutes")
	AssistantRequestSeconds = histogram("assistant_request_seconds", "Assistant service request latency")
}

func counter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		panic(err)
	}
	return c
}

func histogram(name, description string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(description))
	if err != nil {
		panic(err)
	}
	return h
}
