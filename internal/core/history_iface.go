package core

import (
	"context"

	"github.com/peercall/peercall/internal/domain"
)

// HistoryRecorder persists retired calls as call detail records.
// Recording is best-effort; a failed write never affects call teardown.
type HistoryRecorder interface {
	Record(ctx context.Context, call *domain.Call) error
	ListByUser(ctx context.Context, uid domain.UserID, limit int) ([]*domain.Call, error)
}
