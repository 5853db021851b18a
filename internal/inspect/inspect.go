// Package inspect reads broker state through the RabbitMQ management API.
package inspect

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	rh "github.com/michaelklishin/rabbit-hole/v2"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

// DefaultURL is the management API of a stock local RabbitMQ.
const DefaultURL = "http://localhost:15672"

// ManagementClient is the part of the rabbit-hole client the inspector uses.
type ManagementClient interface {
	Overview() (*rh.Overview, error)
	GetClusterName() (*rh.ClusterName, error)
	ListQueuesIn(vhost string) ([]rh.QueueInfo, error)
	ListExchangesIn(vhost string) ([]rh.ExchangeInfo, error)
	ListBindingsIn(vhost string) ([]rh.BindingInfo, error)
}

// Config holds the management API endpoint and credentials.
type Config struct {
	URL      string
	Username string
	Password string
	Vhost    string
	Timeout  time.Duration
}

// NewClient returns a rabbit-hole client for cfg.
func NewClient(cfg Config) (*rh.Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("management URL cannot be empty")
	}
	client, err := rh.NewClient(cfg.URL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to create management client: %w", err)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return client, nil
}

// Inspector builds reports of one vhost.
type Inspector struct {
	client ManagementClient
	logger *slog.Logger
	vhost  string
}

// New returns an Inspector for vhost. An empty vhost means "/".
func New(client ManagementClient, vhost string, logger *slog.Logger) (*Inspector, error) {
	if client == nil {
		return nil, errors.New("management client cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if vhost == "" {
		vhost = "/"
	}
	return &Inspector{client: client, logger: logger, vhost: vhost}, nil
}

// QueueStatus is one queue as the broker reports it.
type QueueStatus struct {
	Name               string
	DeadLetterExchange string
	Messages           int
	Ready              int
	Unacked            int
	Consumers          int
	Durable            bool
}

// ExchangeStatus is one user-declared exchange.
type ExchangeStatus struct {
	Name    string
	Kind    string
	Durable bool
}

// BindingStatus is one exchange-to-queue binding.
type BindingStatus struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Report is a point-in-time view of a vhost.
type Report struct {
	Vhost           string
	RabbitMQVersion string
	ClusterName     string
	Node            string
	Queues          []QueueStatus
	Exchanges       []ExchangeStatus
	Bindings        []BindingStatus
}

// Queue returns the named queue and whether it was found.
func (r *Report) Queue(name string) (QueueStatus, bool) {
	for _, q := range r.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueStatus{}, false
}

// Snapshot reads the vhost. Only names starting with prefix are kept; the
// default exchange and the built-in amq.* exchanges are always skipped.
func (i *Inspector) Snapshot(prefix string) (*Report, error) {
	overview, err := i.client.Overview()
	if err != nil {
		i.logger.Error("failed to read overview", "error", err)
		return nil, fmt.Errorf("failed to read overview: %w", err)
	}

	// The overview does not carry the cluster name; it has its own endpoint.
	clusterName := overview.Node
	if cn, err := i.client.GetClusterName(); err != nil {
		i.logger.Warn("failed to read cluster name", "error", err)
	} else if cn != nil && cn.Name != "" {
		clusterName = cn.Name
	}

	queues, err := i.client.ListQueuesIn(i.vhost)
	if err != nil {
		i.logger.Error("failed to list queues", "vhost", i.vhost, "error", err)
		return nil, fmt.Errorf("failed to list queues in %s: %w", i.vhost, err)
	}

	exchanges, err := i.client.ListExchangesIn(i.vhost)
	if err != nil {
		i.logger.Error("failed to list exchanges", "vhost", i.vhost, "error", err)
		return nil, fmt.Errorf("failed to list exchanges in %s: %w", i.vhost, err)
	}

	bindings, err := i.client.ListBindingsIn(i.vhost)
	if err != nil {
		i.logger.Error("failed to list bindings", "vhost", i.vhost, "error", err)
		return nil, fmt.Errorf("failed to list bindings in %s: %w", i.vhost, err)
	}

	report := &Report{
		Vhost:           i.vhost,
		RabbitMQVersion: overview.RabbitMQVersion,
		ClusterName:     clusterName,
		Node:            overview.Node,
	}

	for _, q := range queues {
		if !strings.HasPrefix(q.Name, prefix) {
			continue
		}
		dlx, _ := q.Arguments[mq.DeadLetterExchangeArg].(string)
		report.Queues = append(report.Queues, QueueStatus{
			Name:               q.Name,
			DeadLetterExchange: dlx,
			Messages:           q.Messages,
			Ready:              q.MessagesReady,
			Unacked:            q.MessagesUnacknowledged,
			Consumers:          q.Consumers,
			Durable:            q.Durable,
		})
	}

	for _, ex := range exchanges {
		if ex.Name == "" || strings.HasPrefix(ex.Name, "amq.") || !strings.HasPrefix(ex.Name, prefix) {
			continue
		}
		report.Exchanges = append(report.Exchanges, ExchangeStatus{Name: ex.Name, Kind: ex.Type, Durable: ex.Durable})
	}

	for _, b := range bindings {
		if b.Source == "" || b.DestinationType != "queue" || !strings.HasPrefix(b.Source, prefix) {
			continue
		}
		report.Bindings = append(report.Bindings, BindingStatus{Exchange: b.Source, Queue: b.Destination, RoutingKey: b.RoutingKey})
	}

	slices.SortFunc(report.Queues, func(a, b QueueStatus) int { return strings.Compare(a.Name, b.Name) })
	slices.SortFunc(report.Exchanges, func(a, b ExchangeStatus) int { return strings.Compare(a.Name, b.Name) })
	slices.SortFunc(report.Bindings, func(a, b BindingStatus) int {
		if c := strings.Compare(a.Exchange, b.Exchange); c != 0 {
			return c
		}
		if c := strings.Compare(a.Queue, b.Queue); c != 0 {
			return c
		}
		return strings.Compare(a.RoutingKey, b.RoutingKey)
	})

	i.logger.Debug("read broker state",
		"vhost", i.vhost,
		"queues", len(report.Queues),
		"exchanges", len(report.Exchanges),
		"bindings", len(report.Bindings),
	)
	return report, nil
}

// Write prints the report as aligned tables.
func (r *Report) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "RabbitMQ %s (cluster %s, node %s, vhost %s)\n\n", r.RabbitMQVersion, r.ClusterName, r.Node, r.Vhost)

	fmt.Fprintln(tw, "EXCHANGE\tTYPE\tDURABLE")
	for _, ex := range r.Exchanges {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", ex.Name, ex.Kind, ex.Durable)
	}

	fmt.Fprintln(tw, "\nQUEUE\tMESSAGES\tREADY\tUNACKED\tCONSUMERS\tDLX")
	for _, q := range r.Queues {
		dlx := q.DeadLetterExchange
		if dlx == "" {
			dlx = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", q.Name, q.Messages, q.Ready, q.Unacked, q.Consumers, dlx)
	}

	fmt.Fprintln(tw, "\nEXCHANGE\tQUEUE\tROUTING KEY")
	for _, b := range r.Bindings {
		key := b.RoutingKey
		if key == "" {
			key = `""`
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Exchange, b.Queue, key)
	}

	return tw.Flush()
}
