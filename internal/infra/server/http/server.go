// Package httpserver exposes HTTP handlers for inspecting and mutating grid records.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/domain/recordstore"
	"github.com/coachpo/luxgrid/internal/infra/config"
	"github.com/coachpo/luxgrid/internal/wire"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	recordsPath        = "/records"
	recordDetailPrefix = recordsPath + "/"
	columnsPath        = "/columns"
	healthPath         = "/healthz"
)

// RecordService is the records surface the handlers drive.
type RecordService interface {
	Columns(ctx context.Context) ([]wire.ColumnMetadata, error)
	Page(ctx context.Context, payload []byte) ([]byte, error)
	Upsert(ctx context.Context, record wire.Record) error
	Delete(ctx context.Context, id string) error
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	records     RecordService
	sessions    func() int
}

// NewHandler builds the control API. sessions may be nil.
func NewHandler(environment config.Environment, records RecordService, sessions func() int) http.Handler {
	server := &httpServer{environment: environment, records: records, sessions: sessions}
	mux := http.NewServeMux()

	mux.Handle(recordsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listRecords,
		http.MethodPut: server.upsertRecord,
	}))
	mux.Handle(recordDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.deleteRecord,
	}))
	mux.Handle(columnsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listColumns,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listRecords(w http.ResponseWriter, r *http.Request) {
	opts, err := pageOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	data, err := s.records.Page(r.Context(), payload)
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *httpServer) upsertRecord(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	var record wire.Record
	if err := json.Unmarshal(body, &record); err != nil {
		writeDecodeError(w, err)
		return
	}
	id, err := recordstore.RecordID(record)
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	if err := s.records.Upsert(r.Context(), record); err != nil {
		s.writeRecordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

func (s *httpServer) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, recordDetailPrefix))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "record id required")
		return
	}
	if err := s.records.Delete(r.Context(), id); err != nil {
		s.writeRecordError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) listColumns(w http.ResponseWriter, r *http.Request) {
	columns, err := s.records.Columns(r.Context())
	if err != nil {
		s.writeRecordError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, columns)
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	sessions := 0
	if s.sessions != nil {
		sessions = s.sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": string(s.environment),
		"sessions":    sessions,
	})
}

func (s *httpServer) writeRecordError(w http.ResponseWriter, err error) {
	switch {
	case errs.IsCode(err, errs.CodeInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.IsCode(err, errs.CodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errs.IsCode(err, errs.CodeTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func pageOptionsFromQuery(r *http.Request) (*wire.PageOptions, error) {
	query := r.URL.Query()
	opts := &wire.PageOptions{
		SortBy: strings.TrimSpace(query.Get("sortBy")),
		Filter: query.Get("filter"),
	}
	if raw := query.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("page must be an integer")
		}
		opts.Page = &page
	}
	if raw := query.Get("pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("pageSize must be an integer")
		}
		opts.PageSize = &size
	}
	if raw := query.Get("sortDesc"); raw != "" {
		desc, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("sortDesc must be a boolean")
		}
		opts.SortDesc = desc
	}
	return opts, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
