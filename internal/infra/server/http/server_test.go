package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/coachpo/luxgrid/internal/app/records"
	"github.com/coachpo/luxgrid/internal/app/records/memory"
	"github.com/coachpo/luxgrid/internal/domain/recordstore"
	"github.com/coachpo/luxgrid/internal/infra/config"
	"github.com/coachpo/luxgrid/internal/wire"
)

func newTestHandler(t *testing.T) (http.Handler, *memory.Store) {
	t.Helper()
	columns := []wire.ColumnMetadata{{Name: "id", Sortable: true}, {Name: "qty", Type: "number", Sortable: true}}
	store, err := memory.New(columns,
		wire.Record{"id": "a", "qty": float64(5)},
		wire.Record{"id": "b", "qty": float64(1)},
		wire.Record{"id": "c", "qty": float64(9)},
	)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	service := records.NewService(store, recordstore.Limits{DefaultPageSize: 2})
	return NewHandler(config.EnvDev, service, func() int { return 3 }), store
}

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListRecordsPagesAndSorts(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodGet, "/records?page=0&pageSize=2&sortBy=qty&sortDesc=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var msg struct {
		Event string        `json:"event"`
		Data  []wire.Record `json:"data"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if msg.Event != wire.EventRecords || msg.Total != 3 || len(msg.Data) != 2 {
		t.Fatalf("unexpected page %+v", msg)
	}
	if msg.Data[0]["id"] != "c" {
		t.Fatalf("expected c first, got %v", msg.Data[0]["id"])
	}
}

func TestListRecordsRejectsBadQuery(t *testing.T) {
	handler, _ := newTestHandler(t)
	for _, target := range []string{"/records?page=x", "/records?pageSize=1.5", "/records?sortDesc=maybe", "/records?sortBy=nope", "/records?page=-1"} {
		if rec := serve(handler, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestUpsertAndDeleteRecord(t *testing.T) {
	handler, store := newTestHandler(t)

	rec := serve(handler, http.MethodPut, "/records", `{"id":"d","qty":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.Len() != 4 {
		t.Fatalf("expected 4 records, got %d", store.Len())
	}

	if rec := serve(handler, http.MethodPut, "/records", `{"qty":2}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", rec.Code)
	}
	if rec := serve(handler, http.MethodPut, "/records", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}

	if rec := serve(handler, http.MethodDelete, "/records/d", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := serve(handler, http.MethodDelete, "/records/d", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if store.Len() != 3 {
		t.Fatalf("expected 3 records, got %d", store.Len())
	}
}

func TestUpsertRejectsOversizedBody(t *testing.T) {
	handler, _ := newTestHandler(t)
	body := `{"id":"big","blob":"` + strings.Repeat("x", int(maxJSONBodyBytes)) + `"}`
	if rec := serve(handler, http.MethodPut, "/records", body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestColumnsHealthAndMethods(t *testing.T) {
	handler, _ := newTestHandler(t)

	rec := serve(handler, http.MethodGet, "/columns", "")
	var columns []wire.ColumnMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &columns); err != nil || len(columns) != 2 {
		t.Fatalf("unexpected columns %s (%v)", rec.Body.String(), err)
	}

	rec = serve(handler, http.MethodGet, "/healthz", "")
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["sessions"] != float64(3) || health["environment"] != "dev" {
		t.Fatalf("unexpected health %v", health)
	}

	rec = serve(handler, http.MethodPost, "/records", "{}")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "GET, PUT" {
		t.Fatalf("unexpected Allow header %q", allow)
	}

	rec = serve(handler, http.MethodOptions, "/records", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected preflight response %d", rec.Code)
	}
}
