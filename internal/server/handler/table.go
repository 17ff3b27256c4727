package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradecdc/internal/domain"
)

// CommitLister lists the commit log of the merged table.
type CommitLister interface {
	ListCommits(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// TableHandler serves read endpoints over the merged table.
type TableHandler struct {
	reader  domain.TradeReader
	commits CommitLister
	logger  *slog.Logger
}

// NewTableHandler creates a TableHandler. commits may be nil.
func NewTableHandler(reader domain.TradeReader, commits CommitLister, logger *slog.Logger) *TableHandler {
	return &TableHandler{
		reader:  reader,
		commits: commits,
		logger:  logHandler(logger, "table"),
	}
}

// GetTrade returns the stored row of one transaction.
// GET /api/trades/{id}
func (h *TableHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	row, err := h.reader.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get trade failed",
			slog.String("transaction_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// ListPartition lists the rows of one exchange partition.
// GET /api/partitions/{exchange}
func (h *TableHandler) ListPartition(w http.ResponseWriter, r *http.Request) {
	exchange := pathParam(r, "exchange")
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.reader.ListPartition(r.Context(), exchange, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list partition failed",
			slog.String("exchange", exchange),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rows == nil {
		rows = []domain.EnrichedTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exchange": exchange,
		"rows":     rows,
		"limit":    opts.Limit,
		"offset":   opts.Offset,
	})
}

// ListCommits lists recent table commits, newest first.
// GET /api/commits
func (h *TableHandler) ListCommits(w http.ResponseWriter, r *http.Request) {
	if h.commits == nil {
		writeError(w, http.StatusServiceUnavailable, "commit log is not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.commits.ListCommits(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list commits failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
