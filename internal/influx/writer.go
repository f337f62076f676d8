// Package influx mirrors accepted readings into InfluxDB for usage charts.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/models"
)

const measurement = "asset_usage"

// PointWriter is the part of api.WriteAPIBlocking the writer uses.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Writer writes accepted readings to InfluxDB. Readings are queued and
// written by Run so a slow database never delays ingestion.
type Writer struct {
	client influxdb2.Client
	api    PointWriter
	queue  chan models.Reading
	logger log.FieldLogger
}

// NewWriter creates an InfluxDB write API client. Caller should call Close() when done.
func NewWriter(url, token, org, bucket string, logger log.FieldLogger) *Writer {
	client := influxdb2.NewClient(url, token)
	w := newWriter(client.WriteAPIBlocking(org, bucket), logger)
	w.client = client
	return w
}

func newWriter(api PointWriter, logger log.FieldLogger) *Writer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Writer{api: api, queue: make(chan models.Reading, 4096), logger: logger}
}

// Close releases the InfluxDB client.
func (w *Writer) Close() {
	if w.client != nil {
		w.client.Close()
	}
}

// Health checks that InfluxDB is reachable and the token is valid.
func (w *Writer) Health(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	_, err := w.client.Health(ctx)
	return err
}

// ReadingAccepted queues a reading for writing. It drops the point when the
// queue is full; the reading log remains the source of truth.
func (w *Writer) ReadingAccepted(ctx context.Context, r models.Reading) {
	select {
	case w.queue <- r:
	default:
		w.logger.WithField("asset_id", r.AssetID).Warn("influx: queue full, dropping point")
	}
}

// Run writes queued readings until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-w.queue:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := w.Write(writeCtx, r); err != nil {
				w.logger.WithError(err).WithField("asset_id", r.AssetID).Warn("influx: write failed")
			}
			cancel()
		}
	}
}

// Write saves one reading as a point at its observed-at time.
func (w *Writer) Write(ctx context.Context, r models.Reading) error {
	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("assetId", r.AssetID).
		AddTag("clientId", r.ClientID).
		AddField("value", r.Value).
		AddField("reset", r.Reset).
		AddField("received_ms", r.ReceivedAt.UnixMilli()).
		SetTime(r.ObservedAt)
	if err := w.api.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}
