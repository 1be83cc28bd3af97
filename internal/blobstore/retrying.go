package blobstore

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/helper"
)

// RetryingStore decorates a Store with bounded retries of transient failures, tracing spans and
// Prometheus metrics.
type RetryingStore struct {
	store  Store
	policy helper.RetryPolicy
	logger logrus.FieldLogger

	operationsTotal *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	bytesTotal      *prometheus.CounterVec
}

// NewRetryingStore wraps store.
func NewRetryingStore(store Store, policy helper.RetryPolicy, logger logrus.FieldLogger) *RetryingStore {
	return &RetryingStore{
		store:  store,
		policy: policy,
		logger: logger,

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitledger_blobstore_operations_total",
				Help: "Total number of blob store operations by result",
			},
			[]string{"op", "result"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitledger_blobstore_retries_total",
				Help: "Total number of retried blob store operations",
			},
			[]string{"op"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitledger_blobstore_bytes_total",
				Help: "Total number of bytes transferred to and from the blob store",
			},
			[]string{"op"},
		),
	}
}

// Describe is used to describe Prometheus metrics.
func (s *RetryingStore) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect is used to collect Prometheus metrics.
func (s *RetryingStore) Collect(metrics chan<- prometheus.Metric) {
	s.operationsTotal.Collect(metrics)
	s.retriesTotal.Collect(metrics)
	s.bytesTotal.Collect(metrics)
}

// Put stores data, retrying transient failures.
func (s *RetryingStore) Put(ctx context.Context, data []byte) (Key, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "blobstore.Put")
	defer span.Finish()

	var key Key
	err := s.policy.Retry(ctx, s.logger, "blobstore put", func() error {
		var err error
		key, err = s.store.Put(ctx, data)
		return err
	}, s.onRetry("put"))

	s.observe("put", err)
	if err != nil {
		span.SetTag("error", true)
		return "", err
	}

	s.bytesTotal.WithLabelValues("put").Add(float64(len(data)))
	span.SetTag("key", key.String())

	return key, nil
}

// Get reads a blob, retrying transient failures.
func (s *RetryingStore) Get(ctx context.Context, key Key) ([]byte, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "blobstore.Get")
	defer span.Finish()
	span.SetTag("key", key.String())

	var data []byte
	err := s.policy.Retry(ctx, s.logger, "blobstore get", func() error {
		var err error
		data, err = s.store.Get(ctx, key)
		return err
	}, s.onRetry("get"))

	s.observe("get", err)
	if err != nil {
		span.SetTag("error", true)
		return nil, err
	}

	s.bytesTotal.WithLabelValues("get").Add(float64(len(data)))

	return data, nil
}

func (s *RetryingStore) onRetry(op string) func(uint, error) {
	return func(uint, error) {
		s.retriesTotal.WithLabelValues(op).Inc()
	}
}

func (s *RetryingStore) observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.operationsTotal.WithLabelValues(op, result).Inc()
}
