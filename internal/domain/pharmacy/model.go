package pharmacy

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLowStockThreshold is the stock level below which a medication is
// reported as running low.
const DefaultLowStockThreshold = 10

// ExpiryWarningDays is how far ahead the daily digest looks for expiring
// medications.
const ExpiryWarningDays = 30

// DateLayout is how expiry dates are read and written.
const DateLayout = "2006-01-02"

// StockStatus summarises a medication's stock level.
type StockStatus string

const (
	StockOut StockStatus = "out"
	StockLow StockStatus = "low"
	StockOK  StockStatus = "ok"
)

// Medication maps to the medication table.
type Medication struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	Category      string     `db:"category" json:"category"`
	Unit          string     `db:"unit" json:"unit"`
	Stock         int        `db:"stock" json:"stock"`
	SalePrice     float64    `db:"sale_price" json:"sale_price"`
	PurchasePrice float64    `db:"purchase_price" json:"purchase_price"`
	ExpiryDate    *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	Supplier      *string    `db:"supplier" json:"supplier,omitempty"`
	Description   *string    `db:"description" json:"description,omitempty"`
	Active        bool       `db:"active" json:"active"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`

	// Derived when the medication is read through the service.
	StockStatus StockStatus `db:"-" json:"stock_status,omitempty"`
	Expired     bool        `db:"-" json:"expired"`
	DaysLeft    *int        `db:"-" json:"days_until_expiry,omitempty"`
}

// Status classifies the stock against threshold.
func (m *Medication) Status(threshold int) StockStatus {
	switch {
	case m.Stock <= 0:
		return StockOut
	case m.Stock < threshold:
		return StockLow
	default:
		return StockOK
	}
}

// IsExpired reports whether the medication may no longer be dispensed on
// today. A medication expiring today counts as expired.
func (m *Medication) IsExpired(today time.Time) bool {
	return m.ExpiryDate != nil && !m.ExpiryDate.After(today)
}

// DaysUntilExpiry is nil when no expiry date is recorded.
func (m *Medication) DaysUntilExpiry(today time.Time) *int {
	if m.ExpiryDate == nil {
		return nil
	}
	days := int(m.ExpiryDate.Sub(today).Hours() / 24)
	return &days
}

func (m *Medication) decorate(today time.Time, threshold int) *Medication {
	m.StockStatus = m.Status(threshold)
	m.Expired = m.IsExpired(today)
	m.DaysLeft = m.DaysUntilExpiry(today)
	return m
}

var validCategories = map[string]bool{
	"tablet": true, "capsule": true, "syrup": true, "ointment": true,
	"injection": true, "drops": true, "other": true,
}

var validUnits = map[string]bool{
	"tablet": true, "capsule": true, "bottle": true, "tube": true,
	"ampoule": true, "strip": true, "box": true,
}

// AdjustmentReason explains a manual stock change.
type AdjustmentReason string

const (
	ReasonStocktake  AdjustmentReason = "stocktake"
	ReasonDamaged    AdjustmentReason = "damaged"
	ReasonExpired    AdjustmentReason = "expired"
	ReasonCorrection AdjustmentReason = "correction"
	ReasonRestock    AdjustmentReason = "restock"
	ReasonOther      AdjustmentReason = "other"
)

var validReasons = map[AdjustmentReason]bool{
	ReasonStocktake: true, ReasonDamaged: true, ReasonExpired: true,
	ReasonCorrection: true, ReasonRestock: true, ReasonOther: true,
}

// StockAdjustment maps to the stock_adjustment table.
type StockAdjustment struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	MedicationID uuid.UUID        `db:"medication_id" json:"medication_id"`
	Delta        int              `db:"delta" json:"delta"`
	StockAfter   int              `db:"stock_after" json:"stock_after"`
	Reason       AdjustmentReason `db:"reason" json:"reason"`
	Note         *string          `db:"note" json:"note,omitempty"`
	AdjustedBy   uuid.UUID        `db:"adjusted_by" json:"adjusted_by"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}

// PrescriptionStatus is the lifecycle state of a prescription.
type PrescriptionStatus string

const (
	PrescriptionPending    PrescriptionStatus = "pending"
	PrescriptionProcessing PrescriptionStatus = "processing"
	PrescriptionDelivered  PrescriptionStatus = "delivered"
)

var validPrescriptionStatuses = map[PrescriptionStatus]bool{
	PrescriptionPending: true, PrescriptionProcessing: true, PrescriptionDelivered: true,
}

func (s PrescriptionStatus) Valid() bool { return validPrescriptionStatuses[s] }

// Prescription maps to the prescription table. Lines are loaded with it.
type Prescription struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	MedicalRecordID uuid.UUID          `db:"medical_record_id" json:"medical_record_id"`
	Status          PrescriptionStatus `db:"status" json:"status"`
	PharmacistNote  *string            `db:"pharmacist_note" json:"pharmacist_note,omitempty"`
	ProcessedBy     *uuid.UUID         `db:"processed_by" json:"processed_by,omitempty"`
	ProcessedAt     *time.Time         `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
	Lines           []*Line            `db:"-" json:"lines"`

	// Read from the medical record.
	RecordRef
}

// TotalCost is the sum of the line subtotals.
func (p *Prescription) TotalCost() float64 {
	var total float64
	for _, l := range p.Lines {
		total += l.Subtotal()
	}
	return total
}

// RecordRef is what a prescription needs to know about its medical record.
type RecordRef struct {
	AppointmentID uuid.UUID `db:"-" json:"appointment_id"`
	PatientUserID uuid.UUID `db:"-" json:"patient_user_id"`
	PatientName   string    `db:"-" json:"patient_name"`
	DoctorUserID  uuid.UUID `db:"-" json:"doctor_user_id"`
	DoctorName    string    `db:"-" json:"doctor_name"`
}

// Line maps to the prescription_line table. UnitPrice is the sale price at
// the time the line was written and is never repriced.
type Line struct {
	ID             uuid.UUID `db:"id" json:"id"`
	PrescriptionID uuid.UUID `db:"prescription_id" json:"prescription_id"`
	MedicationID   uuid.UUID `db:"medication_id" json:"medication_id"`
	Quantity       int       `db:"quantity" json:"quantity"`
	Instructions   string    `db:"instructions" json:"instructions"`
	UnitPrice      float64   `db:"unit_price" json:"unit_price"`

	MedicationName string `db:"-" json:"medication_name"`
	MedicationUnit string `db:"-" json:"medication_unit"`
}

func (l *Line) Subtotal() float64 {
	return float64(l.Quantity) * l.UnitPrice
}

// MedicationFilter narrows medication listings.
type MedicationFilter struct {
	Search     string
	Category   string
	ActiveOnly bool
}

// PrescriptionFilter narrows prescription listings.
type PrescriptionFilter struct {
	Status          PrescriptionStatus
	MedicalRecordID *uuid.UUID
	PatientUserID   *uuid.UUID
	DoctorUserID    *uuid.UUID
}
