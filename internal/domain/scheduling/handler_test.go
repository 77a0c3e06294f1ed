package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/klinik/clinic/internal/platform/auth"
)

func withActor(req *http.Request, a auth.Actor) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserIDKey, a.UserID.String())
	ctx = context.WithValue(ctx, auth.UserRolesKey, []string{string(a.Role)})
	return req.WithContext(ctx)
}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestHandler_Book(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	doc := env.dir.addDoctor("Budi", weekdays)
	p := env.dir.addPatient("Ani", "RM202400001")

	body := `{"doctor_id":"` + doc.ID.String() + `","date":"2024-06-04","time":"09:15","complaint":"headache"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(withActor(req, patientActor(p.UserID)), rec)

	if err := h.Book(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["date"] != "2024-06-04" {
		t.Errorf("expected plain date, got %v", got["date"])
	}
	if got["queue_number"] != "BUD-01" {
		t.Errorf("unexpected queue number %v", got["queue_number"])
	}
}

func TestHandler_Book_OutsideHours(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	doc := env.dir.addDoctor("Budi", weekdays)
	p := env.dir.addPatient("Ani", "RM202400001")

	body := `{"doctor_id":"` + doc.ID.String() + `","date":"2024-06-04","time":"20:00","complaint":"headache"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(withActor(req, patientActor(p.UserID)), httptest.NewRecorder())

	expectHTTPStatus(t, h.Book(c), http.StatusUnprocessableEntity)
}

func TestHandler_Get_BadID(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(withActor(req, receptionist), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	expectHTTPStatus(t, h.Get(c), http.StatusBadRequest)
}

func TestHandler_ConfirmAndQueue(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	doc := env.dir.addDoctor("Budi", weekdays)
	p := env.dir.addPatient("Ani", "RM202400001")
	a, err := bookFor(env, p.ID, doc.ID, "2024-06-04", "09:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(withActor(req, receptionist), rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.Confirm(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	doctor := auth.Actor{UserID: doc.UserID, Role: auth.RoleDoctor}
	req = httptest.NewRequest(http.MethodGet, "/?date=2024-06-04", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(withActor(req, doctor), rec)
	if err := h.Queue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var queue []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &queue); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(queue) != 1 || queue[0]["status"] != string(StatusConfirmed) {
		t.Errorf("unexpected queue %v", queue)
	}
}

func TestHandler_List_BadDate(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?date=tomorrow", nil)
	c := e.NewContext(withActor(req, receptionist), httptest.NewRecorder())

	expectHTTPStatus(t, h.List(c), http.StatusBadRequest)
}
