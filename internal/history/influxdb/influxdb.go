package influxdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/keepalive/internal/history"
)

const (
	defaultPingTimeout = 5 * time.Second
	defaultMeasurement = "supervision_event"
)

// ErrConnectionFailed is returned when the server cannot be reached.
var ErrConnectionFailed = errors.New("influxdb connection failed")

// Options configures the InfluxDB sink.
type Options struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// Sink writes one point per event, tagged by process name and event type,
// so restart and failure rates can be graphed over time.
type Sink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// New connects to the server and verifies it with a ping.
func New(opts Options) (*Sink, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, errors.New("influxdb url, org and bucket are required")
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}
	measurement := opts.Measurement
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &Sink{client: client, writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket), measurement: measurement}, nil
}

// Point converts an event into an InfluxDB point.
func (s *Sink) Point(e history.Event) *write.Point {
	tags := map[string]string{"name": e.Name, "event": string(e.Type)}
	if e.Result != "" {
		tags["result"] = e.Result
	}
	fields := map[string]interface{}{
		"count":   1,
		"pid":     e.PID,
		"attempt": e.Attempt,
	}
	if e.Error != "" {
		fields["error"] = e.Error
	}
	return influxdb2.NewPoint(s.measurement, tags, fields, e.OccurredAt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	return s.writeAPI.WritePoint(ctx, s.Point(e))
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
