package store

import (
	"context"
	"errors"

	"github.com/sudankdk/ctfcheck/internal/model"
)

// ErrNotFound is returned when no report has the requested ID.
var ErrNotFound = errors.New("report not found")

// Store persists validation reports.
type Store interface {
	SaveReport(ctx context.Context, r *model.Report) error
	GetReport(ctx context.Context, id string) (*model.Report, error)
	// ListReports returns a page of reports, newest first, and the total
	// number of stored reports.
	ListReports(ctx context.Context, limit, offset int) ([]*model.Report, int, error)
	Close() error
}
