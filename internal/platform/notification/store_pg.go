package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps the inbox in the notification table. Notifications are sent
// after the business transaction commits, so it always uses the pool.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const notificationCols = `id, user_id, category, title, message, data, is_read, created_at, read_at`

func (s *PGStore) Create(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification (`+notificationCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, n.UserID, string(n.Category), n.Title, n.Message, data, n.IsRead, n.CreatedAt, n.ReadAt)
	return err
}

func (s *PGStore) ListByUser(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, int, error) {
	where := `WHERE user_id = $1 AND (NOT $2 OR is_read = false)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notification `+where, userID, unreadOnly).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationCols+` FROM notification `+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Notification
	for rows.Next() {
		var n Notification
		var category string
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &category, &n.Title, &n.Message, &data, &n.IsRead, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, 0, err
		}
		n.Category = Category(category)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &n.Data)
		}
		items = append(items, &n)
	}
	return items, total, rows.Err()
}

func (s *PGStore) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification SET is_read = true, read_at = COALESCE(read_at, now())
		WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification SET is_read = true, read_at = now()
		WHERE user_id = $1 AND is_read = false`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notification WHERE user_id = $1 AND is_read = false`, userID).Scan(&count)
	return count, err
}
