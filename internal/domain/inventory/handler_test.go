package inventory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func TestHandler_ReceiveBatch(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()
	med := uuid.New()

	body := fmt.Sprintf(`{"medicine_id":%q,"batch_number":"LOT-7","expiry_date":"2027-01-01T00:00:00Z","available_quantity":40}`, med)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/inventory/batches", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.ReceiveBatch(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_PreviewAllocation(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()
	med := uuid.New()
	receive(t, svc, med, "B1", 5*day, 10)

	req := httptest.NewRequest(http.MethodGet, "/?quantity=12", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(med.String())

	if err := h.PreviewAllocation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res AllocationResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Shortfall != 2 || len(res.Allocations) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestHandler_PreviewAllocation_BadQuantity(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?quantity=abc", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.PreviewAllocation(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListBatches_Empty(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if err := h.ListBatches(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}
