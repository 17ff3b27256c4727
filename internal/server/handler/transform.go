package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tradecdc/internal/domain"
	"github.com/alanyoungcy/tradecdc/internal/firehose"
)

// streamUnavailable is the error kind of records that could not be
// appended to the delivery stream.
const streamUnavailable = "StreamUnavailable"

// defaultMaxBody is the largest batch body accepted when none is configured.
const defaultMaxBody = 6 << 20

// TransformHandler serves the record transformation endpoint of the
// delivery stream.
type TransformHandler struct {
	adapter    *firehose.Adapter
	maxBody    int64
	stream     domain.DeliveryStream
	streamName string
	notifier   domain.Notifier
	channel    string
	logger     *slog.Logger
}

// NewTransformHandler creates a TransformHandler.
func NewTransformHandler(adapter *firehose.Adapter, maxBody int64, logger *slog.Logger) *TransformHandler {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &TransformHandler{
		adapter: adapter,
		maxBody: maxBody,
		logger:  logHandler(logger, "transform"),
	}
}

// WithStream appends every transformed payload to the named delivery
// stream before the response is sent.
func (h *TransformHandler) WithStream(stream domain.DeliveryStream, name string) *TransformHandler {
	h.stream = stream
	h.streamName = name
	return h
}

// WithNotifier publishes the number of appended payloads on channel after
// each batch.
func (h *TransformHandler) WithNotifier(n domain.Notifier, channel string) *TransformHandler {
	h.notifier = n
	h.channel = channel
	return h
}

// Transform adapts one delivery batch.
// POST /api/firehose/transform
//
// A body that is not a batch is answered with 400. When stream publishing
// is on, records whose payload could not be appended are answered as
// Error entries so only they are retried.
func (h *TransformHandler) Transform(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "batch body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	batch, err := firehose.ParseBatch(body)
	if err != nil {
		h.logger.WarnContext(ctx, "rejecting batch", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.adapter.Adapt(ctx, batch)
	if err != nil {
		if errors.Is(err, domain.ErrContextDone) {
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		h.logger.ErrorContext(ctx, "adapt batch failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if h.stream != nil {
		resp = h.publish(ctx, resp)
	}

	out, err := firehose.EncodeResponse(resp)
	if err != nil {
		h.logger.ErrorContext(ctx, "encode response failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// publish appends the Ok payloads of resp in order. After the first failed
// append every remaining Ok entry is turned into an Error entry, keeping
// the stream in delivery order.
func (h *TransformHandler) publish(ctx context.Context, resp firehose.Response) firehose.Response {
	var (
		appended int
		failed   error
	)
	for i, rec := range resp.Records {
		if rec.Result != firehose.ResultOk {
			continue
		}
		if failed == nil {
			payload, err := base64.StdEncoding.DecodeString(rec.Data)
			if err != nil {
				resp.Records[i] = firehose.Failed(rec.RecordID, "InvalidPayload", err)
				continue
			}
			if failed = h.stream.StreamAppend(ctx, h.streamName, payload); failed == nil {
				appended++
				continue
			}
		}
		resp.Records[i] = firehose.Failed(rec.RecordID, streamUnavailable, failed)
	}

	if failed != nil {
		h.logger.ErrorContext(ctx, "stream append failed",
			slog.String("stream", h.streamName),
			slog.Int("appended", appended),
			slog.String("error", failed.Error()),
		)
	}
	if h.notifier != nil && h.channel != "" && appended > 0 {
		if err := h.notifier.Publish(ctx, h.channel, []byte(strconv.Itoa(appended))); err != nil {
			h.logger.WarnContext(ctx, "append notification failed", slog.String("error", err.Error()))
		}
	}
	return resp
}
