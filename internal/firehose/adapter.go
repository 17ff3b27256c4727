package firehose

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradecdc/internal/attrvalue"
	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/metrics"
)

// Result values of a transformed record.
const (
	ResultOk    = "Ok"
	ResultError = "Error"
)

// Record is one entry of a transformation request. Data is the base64
// encoding of a stream event.
type Record struct {
	RecordID string `json:"recordId"`
	Data     string `json:"data"`
}

// Batch is a transformation request.
type Batch struct {
	Records []Record `json:"records"`
}

// Result is one entry of a transformation response.
type Result struct {
	RecordID string `json:"recordId"`
	Result   string `json:"result"`
	Data     string `json:"data"`
}

// Response is a transformation response. Records holds one entry per
// input record that produced output, in input order.
type Response struct {
	Records []Result `json:"records"`
}

// failure is the payload carried by Error results.
type failure struct {
	RecordID  string `json:"recordId"`
	ErrorKind string `json:"error_kind"`
	Error     string `json:"error"`
}

// ParseBatch decodes a transformation request body. A body that is not a
// batch at all fails with domain.ErrMalformedBatch.
func ParseBatch(body []byte) (Batch, error) {
	var raw struct {
		Records *[]Record `json:"records"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		metrics.BatchesRejected.Inc()
		return Batch{}, fmt.Errorf("%w: %v", domain.ErrMalformedBatch, err)
	}
	if raw.Records == nil {
		metrics.BatchesRejected.Inc()
		return Batch{}, fmt.Errorf("%w: missing records", domain.ErrMalformedBatch)
	}
	return Batch{Records: *raw.Records}, nil
}

// Adapter turns transformation batches into responses.
type Adapter struct {
	workers int
	logger  *slog.Logger
}

// NewAdapter creates an Adapter that transforms up to workers records at a
// time. workers <= 0 means one.
func NewAdapter(workers int, logger *slog.Logger) *Adapter {
	if workers <= 0 {
		workers = 1
	}
	return &Adapter{
		workers: workers,
		logger:  logger.With(slog.String("component", "firehose_adapter")),
	}
}

// Adapt transforms every record of batch. Records without a NewImage are
// dropped from the response; records that fail produce an Error entry and
// never affect their neighbours. Only context cancellation aborts the batch.
func (a *Adapter) Adapt(ctx context.Context, batch Batch) (Response, error) {
	slots := make([]*Result, len(batch.Records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, rec := range batch.Records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = a.transform(rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", domain.ErrContextDone, err)
	}

	resp := Response{Records: make([]Result, 0, len(slots))}
	var ok, failed int
	for _, r := range slots {
		if r == nil {
			continue
		}
		if r.Result == ResultOk {
			ok++
		} else {
			failed++
		}
		resp.Records = append(resp.Records, *r)
	}
	skipped := len(slots) - ok - failed

	metrics.RecordsTransformed.WithLabelValues("ok").Add(float64(ok))
	metrics.RecordsTransformed.WithLabelValues("error").Add(float64(failed))
	metrics.RecordsTransformed.WithLabelValues("skipped").Add(float64(skipped))

	a.logger.Debug("batch transformed",
		slog.Int("records", len(batch.Records)),
		slog.Int("ok", ok),
		slog.Int("failed", failed),
		slog.Int("skipped", skipped),
	)
	return resp, nil
}

// transform handles one record. It returns nil when the record is skipped.
func (a *Adapter) transform(rec Record) *Result {
	raw, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return a.fail(rec.RecordID, "InvalidBase64", err)
	}

	event, err := ExtractEvent(raw)
	if err != nil {
		return a.fail(rec.RecordID, errorKind(err), err)
	}
	if event == nil {
		return nil
	}

	payload, err := event.Payload()
	if err != nil {
		return a.fail(rec.RecordID, "EncodeFailed", err)
	}
	return &Result{
		RecordID: rec.RecordID,
		Result:   ResultOk,
		Data:     base64.StdEncoding.EncodeToString(payload),
	}
}

func (a *Adapter) fail(recordID, kind string, err error) *Result {
	a.logger.Warn("record transform failed",
		slog.String("record_id", recordID),
		slog.String("error_kind", kind),
		slog.String("error", err.Error()),
	)
	r := Failed(recordID, kind, err)
	return &r
}

// Failed builds an Error entry for recordID. Its data is the base64 JSON
// failure payload {recordId, error_kind, error}.
func Failed(recordID, kind string, err error) Result {
	body, _ := json.Marshal(failure{RecordID: recordID, ErrorKind: kind, Error: err.Error()})
	return Result{
		RecordID: recordID,
		Result:   ResultError,
		Data:     base64.StdEncoding.EncodeToString(body),
	}
}

func errorKind(err error) string {
	var de *attrvalue.DecodeError
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return "InvalidEvent"
}

// OkPayloads returns the decoded data of every Ok entry of resp.
func OkPayloads(resp Response) ([][]byte, error) {
	out := make([][]byte, 0, len(resp.Records))
	for _, r := range resp.Records {
		if r.Result != ResultOk {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return nil, fmt.Errorf("firehose: decode payload of %s: %w", r.RecordID, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// EncodeResponse serializes a transformation response.
func EncodeResponse(resp Response) ([]byte, error) {
	if resp.Records == nil {
		resp.Records = []Result{}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("firehose: encode response: %w", err)
	}
	return b, nil
}
