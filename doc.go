/*
Package nova is the shared kit for Nova's resilience core. It defines the
small interfaces the component packages depend on (Logger, Metric, BackOff,
RateLimit) together with their default implementations.

The component packages are:

  pool     governs bounded connection pools under a deployment-wide budget
  breaker  three-state circuit breaker guarding downstream calls
  dedup    Redis-backed exactly-once barrier for event consumers
  grpcpool tiered gRPC channel pool with fail-fast/lazy startup
  consumer Kafka consumer spine composing dedup and breaker
  stream   live stream session coordinator

Logging

Logging is based on log15. Every constructor derives a child logger from the
package-level Log with "namespace" and "name" fields so that log output from
different instances can be told apart. Log defaults to discarding everything;
set it up once at program start:

	logger := log15.New()
	logger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StdoutHandler))
	nova.Log = nova.NewLog15Logger(logger)

Adapters for other logging libraries live in extra/xlog.

Metrics

Metric is deliberately tiny: Observe(value, labels). Components observe the
timespan of every operation with an ok/err label on both paths, plus a few
component-specific counters and gauges. The default is a no-op; prometheus
and statsd implementations live in extra/xmetric.

Tracing

When a context carries an opentracing span, component log statements are
echoed into the span as structured fields.
*/
package nova
