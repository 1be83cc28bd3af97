package ledger

import "github.com/prometheus/client_golang/prometheus"

func (c *Client) Collector(function, status string) prometheus.Collector {
	return c.transactionsTotal.WithLabelValues(function, status)
}

func (c *Client) RetriesCollector(op string) prometheus.Collector {
	return c.retriesTotal.WithLabelValues(op)
}
