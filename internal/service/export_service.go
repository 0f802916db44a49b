package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/eca-allocation-api/internal/models"
	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
	"github.com/noah-isme/eca-allocation-api/pkg/export"
)

var dayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

type rosterRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type rosterActivityStore interface {
	FindByID(ctx context.Context, exec sqlx.ExtContext, id string) (*models.EcaActivity, error)
}

type rosterAllocationStore interface {
	ListConfirmedByActivity(ctx context.Context, activityID string) ([]models.EcaAllocationDetail, error)
}

// ExportResult is a rendered roster ready to be streamed.
type ExportResult struct {
	Filename    string
	ContentType string
	Payload     []byte
}

// ExportService renders activity rosters as CSV or PDF.
type ExportService struct {
	activities  rosterActivityStore
	allocations rosterAllocationStore
	csv         rosterRenderer
	pdf         rosterRenderer
	logger      *zap.Logger
}

// NewExportService constructs an ExportService. Nil renderers fall back to the defaults.
func NewExportService(activities rosterActivityStore, allocations rosterAllocationStore, csv, pdf rosterRenderer, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{activities: activities, allocations: allocations, csv: csv, pdf: pdf, logger: logger}
}

// Roster renders the confirmed allocations of an activity.
func (s *ExportService) Roster(ctx context.Context, activityID string, format export.Format) (*ExportResult, error) {
	if format == "" {
		format = export.FormatCSV
	}
	if !format.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}

	activity, err := s.activities.FindByID(ctx, nil, activityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "activity not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
	}
	rows, err := s.allocations.ListConfirmedByActivity(ctx, activityID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster")
	}

	dataset := rosterDataset(*activity, rows)
	var payload []byte
	switch format {
	case export.FormatPDF:
		payload, err = s.pdf.Render(dataset)
	default:
		payload, err = s.csv.Render(dataset)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster")
	}

	s.logger.Debug("roster exported", zap.String("activity_id", activityID), zap.String("format", string(format)), zap.Int("rows", len(rows)))
	return &ExportResult{
		Filename:    fmt.Sprintf("roster_%s.%s", sanitizeFilename(activity.Name), format),
		ContentType: format.ContentType(),
		Payload:     payload,
	}, nil
}

func rosterDataset(activity models.EcaActivity, rows []models.EcaAllocationDetail) export.Dataset {
	data := export.Dataset{
		Title:    activity.Name,
		Subtitle: fmt.Sprintf("%s %s (%d enrolled)", dayName(activity.DayOfWeek), activity.TimeSlot, len(rows)),
		Headers:  []string{"No", "Student", "Allocation Type", "Round", "Choice"},
		Rows:     make([]map[string]string, 0, len(rows)),
	}
	for i, row := range rows {
		choice := ""
		if row.ChoiceRank != nil {
			choice = strconv.Itoa(*row.ChoiceRank)
		}
		data.Rows = append(data.Rows, map[string]string{
			"No":              strconv.Itoa(i + 1),
			"Student":         row.StudentName,
			"Allocation Type": string(row.AllocationType),
			"Round":           strconv.Itoa(row.AllocationRound),
			"Choice":          choice,
		})
	}
	return data
}

func dayName(day int) string {
	if day < 0 || day >= len(dayNames) {
		return fmt.Sprintf("Day %d", day)
	}
	return dayNames[day]
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := strings.ToLower(replacer.Replace(raw))
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
