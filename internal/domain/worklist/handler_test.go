package worklist

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/domain/order"
	"github.com/ehr/labops/internal/platform/auth"
	"github.com/ehr/labops/internal/platform/middleware"
	"github.com/ehr/labops/internal/platform/websocket"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	h := NewHandler(f.svc, websocket.NewHub(zerolog.Nop()))
	return h, f, echo.New()
}

func newContext(e *echo.Echo, method, target, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), "tech-1", []string{auth.RoleLabTech}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		var names, values []string
		for i := 0; i+1 < len(params); i += 2 {
			names = append(names, params[i])
			values = append(values, params[i+1])
		}
		c.SetParamNames(names...)
		c.SetParamValues(values...)
	}
	return c, rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

// -- REST Handler Tests --

func TestHandler_ListOrders(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC"))
	f.seed(t, "O2", labOrder("LAB-O2", order.StatusInProgress, "CBC"))
	f.seed(t, "O3", labOrder("LAB-O3", order.StatusInProgress, "CBC"))

	c, rec := newContext(e, http.MethodGet, "/orders?status=InProgress&sort=orderId&dir=asc&limit=1", "")
	if err := h.ListOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data    []OrderView `json:"data"`
		Total   int         `json:"total"`
		HasMore bool        `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || !body.HasMore {
		t.Errorf("expected total 2 with more, got %d/%v", body.Total, body.HasMore)
	}
	if len(body.Data) != 1 || body.Data[0].ID != "O2" {
		t.Errorf("expected first page [O2], got %+v", body.Data)
	}
}

func TestHandler_ListOrders_BadFilter(t *testing.T) {
	h, _, e := newTestHandler(t)
	for _, q := range []string{"status=Archived", "from=yesterday", "sort=mrn"} {
		c, _ := newContext(e, http.MethodGet, "/orders?"+q, "")
		if code := httpStatus(t, h.ListOrders(c)); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, code)
		}
	}
}

func TestHandler_GetOrder(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC"))

	c, rec := newContext(e, http.MethodGet, "/orders/O1", "", "id", "O1")
	if err := h.GetOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodGet, "/orders/nope", "", "id", "nope")
	if code := httpStatus(t, h.GetOrder(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_TransitionOrder(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC"))
	f.seed(t, "O2", labOrder("LAB-O2", order.StatusCompleted, "CBC"))

	c, rec := newContext(e, http.MethodPost, "/orders/O1/transition", `{"status":"InProgress"}`, "id", "O1")
	if err := h.TransitionOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodPost, "/orders/O2/transition", `{"status":"Cancelled","reason":"dup"}`, "id", "O2")
	if code := httpStatus(t, h.TransitionOrder(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
	f.settle(t)
	if n := len(f.audit.Entries()); n != 1 {
		t.Errorf("expected 1 audit entry, got %d", n)
	}
}

func TestHandler_TransitionOrder_Wait(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC"))
	f.seed(t, "O2", labOrder("LAB-O2", order.StatusSampleCollected, "CBC"))

	c, rec := newContext(e, http.MethodPost, "/orders/O1/transition?wait=true", `{"status":"InProgress"}`, "id", "O1")
	if err := h.TransitionOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after waiting, got %d", rec.Code)
	}

	f.failWrites(errors.New("unavailable"))
	c, _ = newContext(e, http.MethodPost, "/orders/O2/transition?wait=true", `{"status":"InProgress"}`, "id", "O2")
	if code := httpStatus(t, h.TransitionOrder(c)); code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", code)
	}
}

func TestHandler_WaitOutlivedByRequestDeadline(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC"))
	release := f.holdWrites()
	defer release()

	c, rec := newContext(e, http.MethodPost, "/orders/O1/transition?wait=true", `{"status":"InProgress"}`, "id", "O1")
	if err := middleware.RequestTimeout(30 * time.Millisecond)(h.TransitionOrder)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}

	// The change stays accepted and its write completes after the response.
	if _, ok := f.ctrl.Pending("O1"); !ok {
		t.Error("expected the overlay to survive the request deadline")
	}
	release()
	f.settle(t)
	f.cachedWhen(t, "O1", func(o order.Order) bool { return o.Status == order.StatusInProgress })
	if got := len(f.audit.Entries()); got != 1 {
		t.Errorf("expected 1 audit entry, got %d", got)
	}
}

func TestHandler_SameStatusIsOK(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusInProgress, "CBC"))

	c, rec := newContext(e, http.MethodPost, "/orders/O1/transition", `{"status":"InProgress"}`, "id", "O1")
	if err := h.TransitionOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_CancelOrder_ReasonRequired(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusInProgress, "CBC"))

	c, _ := newContext(e, http.MethodPost, "/orders/O1/cancel", `{"reason":""}`, "id", "O1")
	if code := httpStatus(t, h.CancelOrder(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_CancelTest(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC", "Glucose"))
	release := f.holdWrites()
	defer release()

	c, rec := newContext(e, http.MethodPost, "/orders/O1/tests/CBC/cancel", `{"reason":"insufficient sample"}`, "id", "O1", "test", "CBC")
	if err := h.CancelTest(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	var view OrderView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Tests) != 1 || view.Tests[0].Name != "Glucose" {
		t.Errorf("expected only Glucose left, got %+v", view.Tests)
	}
	if !view.Pending {
		t.Error("expected the response to flag the pending write")
	}

	c, _ = newContext(e, http.MethodPost, "/orders/O1/tests/CBC/cancel", `{"reason":"again"}`, "id", "O1", "test", "CBC")
	if code := httpStatus(t, h.CancelTest(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_EnterResultAndAcknowledge(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusInProgress, "Potassium"))

	c, rec := newContext(e, http.MethodPut, "/orders/O1/results/Potassium", `{"value":"6.9","unit":"mmol/L","critical":true}`,
		"id", "O1", "test", "Potassium")
	if err := h.EnterResult(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}

	c, rec = newContext(e, http.MethodPost, "/orders/O1/results/Potassium/acknowledge", "", "id", "O1", "test", "Potassium")
	if err := h.AcknowledgeCriticalValue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}

	c, _ = newContext(e, http.MethodPut, "/orders/O1/results/Potassium", `{"value":""}`, "id", "O1", "test", "Potassium")
	if code := httpStatus(t, h.EnterResult(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_CreateOrder(t *testing.T) {
	h, _, e := newTestHandler(t)

	body := `{"patientId":"P-9","patientName":"Alan Turing","priority":"Critical","tests":["CBC",{"name":"Culture","department":"Microbiology"}]}`
	c, rec := newContext(e, http.MethodPost, "/orders", body)
	if err := h.CreateOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var view OrderView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID == "" || len(view.Tests) != 2 || view.Priority != order.PriorityCritical {
		t.Errorf("unexpected order: %+v", view)
	}

	c, _ = newContext(e, http.MethodPost, "/orders", `{"patientId":"P-9","patientName":"A","tests":[]}`)
	if code := httpStatus(t, h.CreateOrder(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_AuditQueue(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, rec := newContext(e, http.MethodGet, "/audit/queue", "")
	if err := h.AuditQueue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"depth":0`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestHandler_RoleGates(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC"))

	api := e.Group("/api/v1", auth.DevAuthMiddleware("dr-who", auth.RolePhysician))
	h.RegisterRoutes(api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("physician read: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/orders/O1/cancel", strings.NewReader(`{"reason":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("physician write: expected 403, got %d", rec.Code)
	}
	if n := len(f.audit.Entries()); n != 0 {
		t.Errorf("expected no audit entries, got %d", n)
	}
}

// -- Live session Tests --

func nextView(t *testing.T, client *websocket.Client) viewPayload {
	t.Helper()
	select {
	case raw := <-client.Send:
		var ev websocket.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Type != EventView {
			t.Fatalf("expected view event, got %s", ev.Type)
		}
		var p viewPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			t.Fatalf("decode view: %v", err)
		}
		return p
	case <-time.After(time.Second):
		t.Fatal("no view pushed")
		return viewPayload{}
	}
}

func TestLiveSession(t *testing.T) {
	h, f, _ := newTestHandler(t)
	f.seed(t, "O1", labOrder("LAB-O1", order.StatusSampleCollected, "CBC"))
	f.seed(t, "O2", labOrder("LAB-O2", order.StatusInProgress, "CBC"))

	client := websocket.NewClient("c1", 16)
	s, err := h.openSession(nil, client)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer s.Close()

	if p := nextView(t, client); p.Total != 2 {
		t.Errorf("expected 2 orders in the initial view, got %d", p.Total)
	}

	msg := websocket.ClientMessage{Action: "filter", Payload: json.RawMessage(`{"status":"InProgress"}`)}
	if err := s.Handle(bg, msg); err != nil {
		t.Fatalf("filter: %v", err)
	}
	p := nextView(t, client)
	if p.Total != 1 || p.Orders[0].ID != "O2" || p.Filter.Status != order.StatusInProgress {
		t.Errorf("unexpected filtered view: %+v", p)
	}

	if err := s.Handle(bg, websocket.ClientMessage{Action: "filter", Payload: json.RawMessage(`{"status":"Archived"}`)}); err == nil {
		t.Error("expected invalid filter to be refused")
	}
	if err := s.Handle(bg, websocket.ClientMessage{Action: "dance"}); err == nil {
		t.Error("expected unknown action to be refused")
	}
}
