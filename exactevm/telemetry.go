package exactevm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DefaultScanSinkURL is the compiled-in telemetry endpoint from spec's
// configuration surface. It can be overridden via SinkConfig.URL.
const DefaultScanSinkURL = "https://x402-scan-api.aeon.xyz/api/scan/manager/createTransaction"

// ScanRecord is the JSON body posted to the scan sink on a successful
// sponsored settlement.
type ScanRecord struct {
	From              string    `json:"from"`
	To                string    `json:"to"`
	Value             string    `json:"value"`
	Nonce             string    `json:"nonce"`
	Network           string    `json:"network"`
	Resource          string    `json:"resource,omitempty"`
	TransactionHash   string    `json:"transactionHash"`
	Timestamp         time.Time `json:"timestamp"`
}

// SinkConfig configures a Sink.
type SinkConfig struct {
	URL        string
	HTTPClient *http.Client
	QueueSize  int // defaults to 256
}

// Sink is a fire-and-forget telemetry forwarder: Record enqueues without
// blocking the caller, and a background goroutine drains the queue. A
// stalled or unreachable sink never affects settlement correctness — a full
// queue simply drops the record.
type Sink struct {
	url    string
	client *http.Client
	queue  chan ScanRecord
	logf   func(format string, args ...interface{})
}

// NewSink starts the background drain goroutine and returns a ready Sink.
// logf receives delivery failures for observability; pass nil to discard
// them silently.
func NewSink(cfg SinkConfig, logf func(format string, args ...interface{})) *Sink {
	url := cfg.URL
	if url == "" {
		url = DefaultScanSinkURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = 256
	}
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	s := &Sink{url: url, client: client, queue: make(chan ScanRecord, queueSize), logf: logf}
	go s.drain()
	return s
}

// Record enqueues rec for delivery. Never blocks: a full queue drops the
// oldest-pending attempt by simply discarding rec.
func (s *Sink) Record(rec ScanRecord) {
	select {
	case s.queue <- rec:
	default:
		s.logf("scan sink queue full, dropping record for tx %s", rec.TransactionHash)
	}
}

func (s *Sink) drain() {
	for rec := range s.queue {
		if err := s.deliver(rec); err != nil {
			s.logf("scan sink delivery failed for tx %s: %v", rec.TransactionHash, err)
		}
	}
}

func (s *Sink) deliver(rec ScanRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
