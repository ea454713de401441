package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes notifications on <prefix>.<type>.
type NATSSink struct {
	Conn   Publisher
	Prefix string
	nc     *nats.Conn
}

// DialNATS connects to url and returns a sink owning the connection.
func DialNATS(url, prefix string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("famtasks"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{Conn: nc, Prefix: prefix, nc: nc}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(n Notification) string {
	prefix := strings.TrimSuffix(s.Prefix, ".")
	if prefix == "" {
		prefix = "famtasks"
	}
	return prefix + "." + n.Type
}

func (s *NATSSink) Deliver(_ context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.Subject(n), data)
}

// Close drains the owned connection, if any.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
