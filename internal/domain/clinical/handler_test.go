package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/klinik/clinic/internal/domain/scheduling"
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

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_Create(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	appt := env.addAppointment(scheduling.StatusConfirmed)
	ecg := env.addProcedure("ECG", 75000, true)

	body := `{"appointment_id":"` + appt.ID.String() + `","diagnosis":"Hypertension","anamnesis":"Headache",` +
		`"procedure_ids":["` + ecg.ID.String() + `"]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(withActor(jsonRequest(http.MethodPost, body), env.doctor), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got struct {
		MedicalRecord struct {
			Diagnosis  string        `json:"diagnosis"`
			Procedures []interface{} `json:"procedures"`
		} `json:"medical_record"`
		Payment struct {
			InvoiceNumber string `json:"invoice_number"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MedicalRecord.Diagnosis != "Hypertension" || len(got.MedicalRecord.Procedures) != 1 {
		t.Errorf("unexpected record %+v", got.MedicalRecord)
	}
	if got.Payment.InvoiceNumber != "INV-20240603-0001" {
		t.Errorf("unexpected payment %+v", got.Payment)
	}
}

func TestHandler_Create_PendingAppointment(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	appt := env.addAppointment(scheduling.StatusPending)

	body := `{"appointment_id":"` + appt.ID.String() + `","diagnosis":"x","anamnesis":"y"}`
	c := e.NewContext(withActor(jsonRequest(http.MethodPost, body), env.doctor), httptest.NewRecorder())
	expectHTTPStatus(t, h.Create(c), http.StatusUnprocessableEntity)
}

func TestHandler_Get_NotFound(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	m := visitFor(t, env)

	c := e.NewContext(withActor(httptest.NewRequest(http.MethodGet, "/", nil), auth.Actor{UserID: env.admin.UserID, Role: auth.RolePatient}), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(m.ID.String())
	expectHTTPStatus(t, h.Get(c), http.StatusNotFound)

	c = e.NewContext(withActor(httptest.NewRequest(http.MethodGet, "/", nil), env.doctor), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPStatus(t, h.Get(c), http.StatusBadRequest)
}

func TestHandler_List_ByPatient(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	m := visitFor(t, env)
	visitFor(t, env)

	req := httptest.NewRequest(http.MethodGet, "/?patient_id="+m.PatientID.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(withActor(req, env.admin), rec)
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 1 {
		t.Errorf("expected 1 record, got %d", got.Total)
	}
}

func TestHandler_AttachProcedure_MissingID(t *testing.T) {
	env := newTestEnv()
	h, e := NewHandler(env.svc), echo.New()
	m := visitFor(t, env)

	c := e.NewContext(withActor(jsonRequest(http.MethodPost, `{}`), env.doctor), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(m.ID.String())
	expectHTTPStatus(t, h.AttachProcedure(c), http.StatusUnprocessableEntity)
}
