package notification

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Template is a title and message with {{key}} placeholders.
type Template struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
}

const (
	TplAppointmentConfirmed  = "appointment-confirmed"
	TplAppointmentCancelled  = "appointment-cancelled"
	TplPrescriptionDelivered = "prescription-delivered"
	TplPaymentPaid           = "payment-paid"
	TplLowStock              = "low-stock"
	TplMedicationExpiring    = "medication-expiring"
	TplInstallmentDue        = "installment-due"
	TplInstallmentOverdue    = "installment-overdue"
)

// TemplateEngine renders registered templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.templates[t.ID] = t
	}
	return e
}

var builtIn = []Template{
	{
		ID:       TplAppointmentConfirmed,
		Category: CategoryAppointment,
		Title:    "Appointment confirmed",
		Message:  "Your appointment with {{doctor}} on {{date}} at {{time}} is confirmed. Queue number: {{queue_number}}.",
	},
	{
		ID:       TplAppointmentCancelled,
		Category: CategoryAppointment,
		Title:    "Appointment cancelled",
		Message:  "Your appointment on {{date}} at {{time}} has been cancelled. {{note}}",
	},
	{
		ID:       TplPrescriptionDelivered,
		Category: CategoryPrescription,
		Title:    "Prescription ready",
		Message:  "Your prescription from {{date}} has been handed over by the pharmacy.",
	},
	{
		ID:       TplPaymentPaid,
		Category: CategoryPayment,
		Title:    "Payment received",
		Message:  "Invoice {{invoice_number}} for {{total}} has been paid. Thank you.",
	},
	{
		ID:       TplLowStock,
		Category: CategoryStock,
		Title:    "Low stock: {{medication}}",
		Message:  "{{medication}} has {{stock}} {{unit}} left.",
	},
	{
		ID:       TplMedicationExpiring,
		Category: CategoryStock,
		Title:    "Expiring soon: {{medication}}",
		Message:  "{{medication}} expires on {{expiry_date}} ({{days}} days).",
	},
	{
		ID:       TplInstallmentDue,
		Category: CategoryPayment,
		Title:    "Installment due",
		Message:  "Installment {{sequence}} of invoice {{invoice_number}} ({{amount}}) is due on {{due_date}}.",
	},
	{
		ID:       TplInstallmentOverdue,
		Category: CategoryPayment,
		Title:    "Installment overdue",
		Message:  "Installment {{sequence}} of invoice {{invoice_number}} ({{amount}}) was due on {{due_date}}.",
	},
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders with data. Keys missing from data are
// left as they are.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Category, string, string, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", "", fmt.Errorf("template %q not found", templateID)
	}

	title, message := t.Title, t.Message
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		title = strings.ReplaceAll(title, placeholder, v)
		message = strings.ReplaceAll(message, placeholder, v)
	}
	return t.Category, title, strings.TrimSpace(message), nil
}

// Compose renders templateID into a Message for userID. The rendered values
// are also attached as structured data.
func (e *TemplateEngine) Compose(userID uuid.UUID, templateID string, data map[string]string) (Message, error) {
	category, title, message, err := e.Render(templateID, data)
	if err != nil {
		return Message{}, err
	}
	structured := make(map[string]interface{}, len(data))
	for k, v := range data {
		structured[k] = v
	}
	return Message{UserID: userID, Category: category, Title: title, Message: message, Data: structured}, nil
}
