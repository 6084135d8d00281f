package broadcast

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	nats "github.com/nats-io/nats.go"
)

// natsPublisher is the part of *nats.Conn the sink needs.
type natsPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink mirrors relay output to NATS so other processes can follow the
// same device updates. Messages go to <prefix>.<topic>.
type NATSSink struct {
	conn   natsPublisher
	prefix string
	close  func()
}

// DialNATS connects to url and returns a sink publishing under prefix.
func DialNATS(url, prefix string, options ...nats.Option) (*NATSSink, error) {
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to server: %w", err)
	}
	s := NewNATSSink(conn, prefix)
	s.close = func() { _ = conn.Drain() }
	return s, nil
}

func NewNATSSink(conn natsPublisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Publish(topic string, payload interface{}) error {
	data, err := encode(topic, "", payload)
	if err != nil {
		return fmt.Errorf("could not marshal data for %s: %w", topic, err)
	}
	subject := topic
	if s.prefix != "" {
		subject = s.prefix + "." + topic
	}
	return s.conn.Publish(subject, data)
}

// Close drains the connection when the sink owns it.
func (s *NATSSink) Close() {
	if s.close != nil {
		s.close()
	}
}

// Sink is anything relay output can be published to.
type Sink interface {
	Publish(topic string, payload interface{}) error
}

// Fanout publishes to every sink and reports all failures.
type Fanout []Sink

func (f Fanout) Publish(topic string, payload interface{}) error {
	var errs *multierror.Error
	for _, s := range f {
		if err := s.Publish(topic, payload); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
