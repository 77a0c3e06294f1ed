package pharmacy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/klinik/clinic/internal/platform/audit"
	"github.com/klinik/clinic/internal/platform/auth"
	"github.com/klinik/clinic/internal/platform/db"
	"github.com/klinik/clinic/internal/platform/notification"
	"github.com/klinik/clinic/internal/platform/validation"
)

// Recomputer refreshes the payment of an appointment after its prescribed
// medication changed.
type Recomputer interface {
	RecomputeForAppointment(ctx context.Context, appointmentID uuid.UUID) error
}

// StaffDirectory finds who to tell about stock problems.
type StaffDirectory interface {
	UserIDsByRole(ctx context.Context, role auth.Role) ([]uuid.UUID, error)
}

type Notifier interface {
	NotifyTemplate(ctx context.Context, userID uuid.UUID, templateID string, data map[string]string)
}

type Service struct {
	meds          MedicationRepository
	prescriptions PrescriptionRepository
	tx            db.TxManager
	trail         *audit.Trail
	notifier      Notifier
	staff         StaffDirectory
	recompute     Recomputer
	logger        zerolog.Logger

	threshold int
	now       func() time.Time
	loc       *time.Location
}

func NewService(meds MedicationRepository, prescriptions PrescriptionRepository, tx db.TxManager) *Service {
	return &Service{
		meds:          meds,
		prescriptions: prescriptions,
		tx:            tx,
		logger:        zerolog.Nop(),
		threshold:     DefaultLowStockThreshold,
		now:           time.Now,
		loc:           time.UTC,
	}
}

func (s *Service) SetAuditTrail(t *audit.Trail) { s.trail = t }

// SetNotifier enables patient and low stock notifications. staff resolves
// the pharmacists low stock alerts go to.
func (s *Service) SetNotifier(n Notifier, staff StaffDirectory) {
	s.notifier = n
	s.staff = staff
}

func (s *Service) SetRecomputer(r Recomputer) { s.recompute = r }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) SetLocation(loc *time.Location) { s.loc = loc }

// SetLowStockThreshold changes the level below which stock counts as low.
func (s *Service) SetLowStockThreshold(n int) {
	if n > 0 {
		s.threshold = n
	}
}

// LowStockThreshold is the level below which stock counts as low.
func (s *Service) LowStockThreshold() int { return s.threshold }

func (s *Service) today() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// -- Medication --

type MedicationInput struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Unit          string  `json:"unit"`
	Stock         int     `json:"stock"`
	SalePrice     float64 `json:"sale_price"`
	PurchasePrice float64 `json:"purchase_price"`
	ExpiryDate    *string `json:"expiry_date,omitempty"`
	Supplier      *string `json:"supplier,omitempty"`
	Description   *string `json:"description,omitempty"`
	Active        *bool   `json:"active,omitempty"`
}

// ValidateMedication checks every medication field.
func ValidateMedication(m *Medication) error {
	var r validation.Result
	r.Require("name", strings.TrimSpace(m.Name) != "")
	r.Check("category", validCategories[m.Category], fmt.Sprintf("unknown category %q", m.Category))
	r.Check("unit", validUnits[m.Unit], fmt.Sprintf("unknown unit %q", m.Unit))
	r.Check("stock", m.Stock >= 0, "cannot be negative")
	r.Check("sale_price", m.SalePrice >= 0, "cannot be negative")
	r.Check("purchase_price", m.PurchasePrice >= 0, "cannot be negative")
	return r.Err()
}

func parseExpiry(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	d, err := time.Parse(DateLayout, strings.TrimSpace(*raw))
	if err != nil {
		return nil, validation.Fieldf("expiry_date", "must be a date in YYYY-MM-DD format")
	}
	return &d, nil
}

func (s *Service) CreateMedication(ctx context.Context, actor auth.Actor, in MedicationInput) (*Medication, error) {
	expiry, err := parseExpiry(in.ExpiryDate)
	if err != nil {
		return nil, err
	}
	m := &Medication{
		Name:          strings.TrimSpace(in.Name),
		Category:      in.Category,
		Unit:          in.Unit,
		Stock:         in.Stock,
		SalePrice:     in.SalePrice,
		PurchasePrice: in.PurchasePrice,
		ExpiryDate:    expiry,
		Supplier:      in.Supplier,
		Description:   in.Description,
		Active:        true,
	}
	if m.Category == "" {
		m.Category = "tablet"
	}
	if m.Unit == "" {
		m.Unit = "tablet"
	}
	if in.Active != nil {
		m.Active = *in.Active
	}
	if err := ValidateMedication(m); err != nil {
		return nil, err
	}
	if err := s.meds.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create medication: %w", err)
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionCreate,
		EntityType:  "medication",
		EntityID:    m.ID.String(),
		Description: fmt.Sprintf("added medication %s with stock %d", m.Name, m.Stock),
	})
	return m.decorate(s.today(), s.threshold), nil
}

type UpdateMedicationInput struct {
	Name          *string  `json:"name,omitempty"`
	Category      *string  `json:"category,omitempty"`
	Unit          *string  `json:"unit,omitempty"`
	SalePrice     *float64 `json:"sale_price,omitempty"`
	PurchasePrice *float64 `json:"purchase_price,omitempty"`
	ExpiryDate    *string  `json:"expiry_date,omitempty"`
	Supplier      *string  `json:"supplier,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Active        *bool    `json:"active,omitempty"`
}

// UpdateMedication changes master data. Stock is changed with AdjustStock.
// Prices already written on prescription lines are kept.
func (s *Service) UpdateMedication(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateMedicationInput) (*Medication, error) {
	m, err := s.meds.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := map[string]audit.Change{}
	if in.Name != nil {
		changes["name"] = audit.Change{Old: m.Name, New: *in.Name}
		m.Name = strings.TrimSpace(*in.Name)
	}
	if in.Category != nil {
		changes["category"] = audit.Change{Old: m.Category, New: *in.Category}
		m.Category = *in.Category
	}
	if in.Unit != nil {
		changes["unit"] = audit.Change{Old: m.Unit, New: *in.Unit}
		m.Unit = *in.Unit
	}
	if in.SalePrice != nil {
		changes["sale_price"] = audit.Change{Old: m.SalePrice, New: *in.SalePrice}
		m.SalePrice = *in.SalePrice
	}
	if in.PurchasePrice != nil {
		changes["purchase_price"] = audit.Change{Old: m.PurchasePrice, New: *in.PurchasePrice}
		m.PurchasePrice = *in.PurchasePrice
	}
	if in.ExpiryDate != nil {
		expiry, err := parseExpiry(in.ExpiryDate)
		if err != nil {
			return nil, err
		}
		changes["expiry_date"] = audit.Change{Old: m.ExpiryDate, New: expiry}
		m.ExpiryDate = expiry
	}
	if in.Supplier != nil {
		m.Supplier = in.Supplier
	}
	if in.Description != nil {
		m.Description = in.Description
	}
	if in.Active != nil && *in.Active != m.Active {
		changes["active"] = audit.Change{Old: m.Active, New: *in.Active}
		m.Active = *in.Active
	}
	if err := ValidateMedication(m); err != nil {
		return nil, err
	}
	if err := s.meds.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("update medication: %w", err)
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionUpdate,
		EntityType:  "medication",
		EntityID:    m.ID.String(),
		Description: "updated medication " + m.Name,
		Changes:     changes,
	})
	return m.decorate(s.today(), s.threshold), nil
}

func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := s.meds.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.decorate(s.today(), s.threshold), nil
}

func (s *Service) ListMedications(ctx context.Context, f MedicationFilter, limit, offset int) ([]*Medication, int, error) {
	f.Search = strings.TrimSpace(f.Search)
	items, total, err := s.meds.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.decorateAll(items), total, nil
}

func (s *Service) decorateAll(items []*Medication) []*Medication {
	today := s.today()
	for _, m := range items {
		m.decorate(today, s.threshold)
	}
	return items
}

// LowStock lists active medications below the low stock threshold,
// including those that ran out.
func (s *Service) LowStock(ctx context.Context) ([]*Medication, error) {
	items, err := s.meds.LowStock(ctx, s.threshold)
	if err != nil {
		return nil, err
	}
	return s.decorateAll(items), nil
}

// ExpiringWithin lists active medications that are still usable today but
// expire within the next days.
func (s *Service) ExpiringWithin(ctx context.Context, days int) ([]*Medication, error) {
	if days < 1 {
		return nil, validation.Fieldf("days", "must be at least 1")
	}
	today := s.today()
	items, err := s.meds.ExpiringBetween(ctx, today, today.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}
	return s.decorateAll(items), nil
}

// Expired lists active medications that can no longer be dispensed.
func (s *Service) Expired(ctx context.Context) ([]*Medication, error) {
	items, err := s.meds.ExpiredOn(ctx, s.today())
	if err != nil {
		return nil, err
	}
	return s.decorateAll(items), nil
}

// -- Stock adjustments --

type AdjustStockInput struct {
	Delta  int              `json:"delta"`
	Reason AdjustmentReason `json:"reason"`
	Note   *string          `json:"note,omitempty"`
}

// AdjustStock applies a manual stock change and records why. Stock never
// drops below zero.
func (s *Service) AdjustStock(ctx context.Context, actor auth.Actor, id uuid.UUID, in AdjustStockInput) (*StockAdjustment, error) {
	var r validation.Result
	r.Check("delta", in.Delta != 0, "cannot be zero")
	r.Check("reason", validReasons[in.Reason], fmt.Sprintf("unknown reason %q", in.Reason))
	if err := r.Err(); err != nil {
		return nil, err
	}

	m, err := s.meds.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	adj := &StockAdjustment{
		MedicationID: id,
		Delta:        in.Delta,
		Reason:       in.Reason,
		Note:         in.Note,
		AdjustedBy:   actor.UserID,
	}
	err = s.tx.InScopedTx(ctx, "stock:"+id.String(), func(ctx context.Context) error {
		after, ok, err := s.meds.Adjust(ctx, id, in.Delta)
		if err != nil {
			return fmt.Errorf("adjust stock: %w", err)
		}
		if !ok {
			return validation.Field("delta", fmt.Errorf("%w: %s cannot drop below zero", ErrInsufficientStock, m.Name))
		}
		adj.StockAfter = after
		return s.meds.RecordAdjustment(ctx, adj)
	})
	if err != nil {
		return nil, err
	}

	s.trail.Record(ctx, audit.Entry{
		Actor:       actor,
		Action:      audit.ActionUpdate,
		EntityType:  "medication",
		EntityID:    id.String(),
		Description: fmt.Sprintf("adjusted stock of %s by %d (%s)", m.Name, in.Delta, in.Reason),
		Changes:     map[string]audit.Change{"stock": {Old: adj.StockAfter - in.Delta, New: adj.StockAfter}},
	})
	if in.Delta < 0 && adj.StockAfter > 0 && adj.StockAfter < s.threshold {
		s.notifyLowStock(ctx, []lowStock{{name: m.Name, unit: m.Unit, stock: adj.StockAfter}})
	}
	return adj, nil
}

func (s *Service) ListAdjustments(ctx context.Context, id uuid.UUID, limit, offset int) ([]*StockAdjustment, int, error) {
	return s.meds.ListAdjustments(ctx, id, limit, offset)
}

// SendStockDigest tells every pharmacist about medications expiring within
// ExpiryWarningDays and medications below the low stock threshold. It
// returns how many medications were reported.
func (s *Service) SendStockDigest(ctx context.Context) (int, error) {
	expiring, err := s.ExpiringWithin(ctx, ExpiryWarningDays)
	if err != nil {
		return 0, fmt.Errorf("list expiring medications: %w", err)
	}
	low, err := s.LowStock(ctx)
	if err != nil {
		return 0, fmt.Errorf("list low stock: %w", err)
	}

	if len(expiring) > 0 && s.notifier != nil && s.staff != nil {
		pharmacists, err := s.staff.UserIDsByRole(ctx, auth.RolePharmacist)
		if err != nil {
			return 0, fmt.Errorf("resolve pharmacists: %w", err)
		}
		for _, m := range expiring {
			for _, userID := range pharmacists {
				s.notifier.NotifyTemplate(ctx, userID, notification.TplMedicationExpiring, map[string]string{
					"medication":  m.Name,
					"expiry_date": m.ExpiryDate.Format(DateLayout),
					"days":        strconv.Itoa(*m.DaysLeft),
				})
			}
		}
	}

	items := make([]lowStock, 0, len(low))
	for _, m := range low {
		items = append(items, lowStock{name: m.Name, unit: m.Unit, stock: m.Stock})
	}
	s.notifyLowStock(ctx, items)

	s.logger.Info().Int("expiring", len(expiring)).Int("low_stock", len(low)).Msg("stock digest sent")
	return len(expiring) + len(low), nil
}

// -- Notifications --

type lowStock struct {
	name  string
	unit  string
	stock int
}

// notifyLowStock alerts every active pharmacist. Failures are logged only.
func (s *Service) notifyLowStock(ctx context.Context, items []lowStock) {
	if s.notifier == nil || s.staff == nil || len(items) == 0 {
		return
	}
	pharmacists, err := s.staff.UserIDsByRole(ctx, auth.RolePharmacist)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not resolve pharmacists for low stock alert")
		return
	}
	for _, it := range items {
		for _, userID := range pharmacists {
			s.notifier.NotifyTemplate(ctx, userID, notification.TplLowStock, map[string]string{
				"medication": it.name,
				"stock":      strconv.Itoa(it.stock),
				"unit":       it.unit,
			})
		}
	}
}
