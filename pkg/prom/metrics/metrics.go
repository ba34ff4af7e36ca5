// Copyright (c) OpenMMLab. All rights reserved.

package metrics

import (
	"context"
	"strconv"
	"time"

	"reduceall/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	// Request counter
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests",
	}, []string{"method", "status"})

	// Request latency histogram
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grpc_request_duration_seconds",
		Help:    "Duration of gRPC requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// Collectives issued by this process, as seen by the caller
	CollectivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reduceall_collectives_total",
		Help: "Total number of collective operations issued",
	}, []string{"kind", "op", "status"})

	CollectiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reduceall_collective_duration_seconds",
		Help:    "Wall time of collective operations in seconds, including waiting for peers",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})

	// 1 if the last all-reduce produced the expected value, 0 otherwise
	VerificationResult = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reduceall_verification_ok",
		Help: "Whether the last smoke test verification succeeded",
	})
)

// gRPC interceptor (used for automatic metric collection)
func MetricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	method := info.FullMethod

	resp, err := handler(ctx, req)

	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}

	RequestsTotal.WithLabelValues(method, status).Inc()
	RequestDuration.WithLabelValues(method).Observe(duration)

	return resp, err
}

// ObserveCollective records one collective issued at start.
func ObserveCollective(kind, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	CollectivesTotal.WithLabelValues(kind, op, status).Inc()
	CollectiveDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func SetVerification(ok bool) {
	if ok {
		VerificationResult.Set(1)
	} else {
		VerificationResult.Set(0)
	}
}

// PushToGateway pushes this worker's collective metrics once, grouped by
// instance and rank. An empty URL disables the push.
func PushToGateway(pushgatewayUrl, jobName, instance string, rank int) error {
	if pushgatewayUrl == "" {
		logger.Logger.Debug("Pushgateway URL not set, skipping metrics push")
		return nil
	}

	pusher := push.New(pushgatewayUrl, jobName).
		Collector(CollectivesTotal).
		Collector(CollectiveDuration).
		Collector(VerificationResult).
		Grouping("instance", instance).
		Grouping("rank", strconv.Itoa(rank))

	if err := pusher.Push(); err != nil {
		logger.Logger.Error("Error pushing metrics", zap.Error(err))
		return err
	}
	return nil
}
