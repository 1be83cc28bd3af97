package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/helper"
)

// Client exposes the ledger in terms of references and snapshot keys. Reads may run
// concurrently. Mutations are serialized so that nonces are consumed in order.
type Client struct {
	ledger Ledger
	signer Signer
	policy helper.RetryPolicy
	logger logrus.FieldLogger

	// mu serializes transactions of this client.
	mu sync.Mutex

	transactionsTotal *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
}

// NewClient returns a client sending transactions signed by signer.
func NewClient(ledger Ledger, signer Signer, policy helper.RetryPolicy, logger logrus.FieldLogger) *Client {
	return &Client{
		ledger: ledger,
		signer: signer,
		policy: policy,
		logger: logger,

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitledger_ledger_transactions_total",
				Help: "Total number of ledger transactions by function and status",
			},
			[]string{"function", "status"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gitledger_ledger_retries_total",
				Help: "Total number of retried ledger operations",
			},
			[]string{"op"},
		),
	}
}

// Describe is used to describe Prometheus metrics.
func (c *Client) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect is used to collect Prometheus metrics.
func (c *Client) Collect(metrics chan<- prometheus.Metric) {
	c.transactionsTotal.Collect(metrics)
	c.retriesTotal.Collect(metrics)
}

// Account returns the account the client sends transactions from.
func (c *Client) Account() string {
	return c.signer.Account()
}

// SnapshotKeys returns the storage keys of all snapshots in ledger order.
func (c *Client) SnapshotKeys(ctx context.Context) ([]string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ledger.SnapshotKeys")
	defer span.Finish()

	var keys []string
	err := c.read(ctx, "snapshot keys", func() error {
		count, err := c.ledger.SnapshotCount(ctx)
		if err != nil {
			return err
		}

		keys = make([]string, 0, count)
		for i := 0; i < count; i++ {
			key, err := c.ledger.GetSnapshot(ctx, i)
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	return keys, nil
}

// AddSnapshot appends a snapshot key to the ledger.
func (c *Client) AddSnapshot(ctx context.Context, key string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ledger.AddSnapshot")
	defer span.Finish()

	if err := c.transact(ctx, AddSnapshot{Key: key}); err != nil {
		return fmt.Errorf("add snapshot %s: %w", key, err)
	}
	return nil
}

// GetRef returns the value of a reference or the empty id if it is absent.
func (c *Client) GetRef(ctx context.Context, name git.ReferenceName) (git.ObjectID, error) {
	var value string
	err := c.read(ctx, "get ref", func() error {
		var err error
		value, err = c.ledger.GetRef(ctx, name.String())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("get reference %s: %w", name, err)
	}

	return git.ObjectID(value), nil
}

// ListRefs returns all references which currently have a value, sorted by name.
func (c *Client) ListRefs(ctx context.Context) ([]git.Reference, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ledger.ListRefs")
	defer span.Finish()

	var refs []git.Reference
	err := c.read(ctx, "list refs", func() error {
		count, err := c.ledger.RefCount(ctx)
		if err != nil {
			return err
		}

		refs = make([]git.Reference, 0, count)
		seen := make(map[string]struct{}, count)
		for i := 0; i < count; i++ {
			name, err := c.ledger.RefName(ctx, i)
			if err != nil {
				return err
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}

			value, err := c.ledger.GetRef(ctx, name)
			if err != nil {
				return err
			}
			if value == "" {
				continue
			}

			refs = append(refs, git.NewReference(git.ReferenceName(name), git.ObjectID(value)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// CompareAndSetRef points name at value if the ledger still holds expected for it. An empty
// expected id creates the reference. A StaleRefError is returned if the ledger's value differs.
func (c *Client) CompareAndSetRef(ctx context.Context, name git.ReferenceName, expected, value git.ObjectID) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ledger.CompareAndSetRef")
	defer span.Finish()

	if value.IsEmpty() {
		return fmt.Errorf("set reference %s: %w", name, ErrInvalidCall)
	}

	if err := c.transact(ctx, SetRef{Name: name.String(), Expected: ledgerValue(expected), Value: value.String()}); err != nil {
		return fmt.Errorf("set reference %s: %w", name, err)
	}
	return nil
}

// DeleteRef removes name if the ledger still holds expected for it.
func (c *Client) DeleteRef(ctx context.Context, name git.ReferenceName, expected git.ObjectID) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ledger.DeleteRef")
	defer span.Finish()

	if err := c.transact(ctx, DeleteRef{Name: name.String(), Expected: ledgerValue(expected)}); err != nil {
		return fmt.Errorf("delete reference %s: %w", name, err)
	}
	return nil
}

// ledgerValue maps both spellings of a missing object to the ledger's empty value.
func ledgerValue(oid git.ObjectID) string {
	if oid.IsEmpty() {
		return ""
	}
	return oid.String()
}

func (c *Client) read(ctx context.Context, op string, fn func() error) error {
	return c.policy.Retry(ctx, c.logger, "ledger "+op, fn, func(uint, error) {
		c.retriesTotal.WithLabelValues(op).Inc()
	})
}

// transact signs and submits call. A nonce mismatch means another transaction of the same
// account raced ours, so the nonce is fetched again and the call is resent.
func (c *Client) transact(ctx context.Context, call Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var receipt Receipt
	err := c.policy.Retry(ctx, c.logger, "ledger "+call.Function(), func() error {
		nonce, err := c.ledger.NextNonce(ctx, c.signer.Account())
		if err != nil {
			return err
		}

		tx, err := SignTransaction(c.signer, Transaction{Nonce: nonce, Call: call})
		if err != nil {
			return err
		}

		receipt, err = c.ledger.Submit(ctx, tx)
		if errors.Is(err, ErrNonceMismatch) {
			return commonerr.NewTransientError("submit", err)
		}
		return err
	}, func(uint, error) {
		c.retriesTotal.WithLabelValues(call.Function()).Inc()
	})

	status := string(receipt.Status)
	if err != nil && status == "" {
		status = "failed"
	}
	c.transactionsTotal.WithLabelValues(call.Function(), status).Inc()

	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"function":       call.Function(),
		"transaction_id": receipt.ID,
		"nonce":          receipt.Nonce,
	}).Debug("ledger transaction applied")

	return nil
}
