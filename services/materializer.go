package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/models"
	"github.com/sirupsen/logrus"
)

// ReportInput is the frozen outcome of a finished session.
type ReportInput struct {
	SessionID  string
	Stats      models.TrackingStats
	Image      *models.CaptureFrame
	StartedAt  time.Time
	EndedAt    time.Time
	Confidence *float64
	Status     string
}

// Materializer turns a finished session into a stored report. It never
// talks to the backend.
type Materializer struct {
	store     *ReportStore
	imagesDir string
	log       *logrus.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewMaterializer(store *ReportStore, imagesDir string, log *logrus.Logger, m *metrics.Metrics) *Materializer {
	return &Materializer{
		store:     store,
		imagesDir: imagesDir,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Materialize builds the report, saves its image and prepends it to the
// store. The report is returned even when saving fails; the error is then
// a PersistenceError and the caller may retry with ReportStore.Add, which
// replaces a record that did get written.
func (m *Materializer) Materialize(ctx context.Context, in ReportInput) (*models.Report, error) {
	now := m.now()
	report := &models.Report{
		ID:         uuid.NewString(),
		Timestamp:  now,
		Count:      in.Stats.PersonasDentro,
		Entradas:   in.Stats.Entradas,
		Salidas:    in.Stats.Salidas,
		Confidence: in.Confidence,
		SessionID:  in.SessionID,
		Inicio:     in.StartedAt,
		Fin:        in.EndedAt,
		Status:     in.Status,
	}
	if report.Fin.IsZero() {
		report.Fin = now
	}
	if !report.Inicio.IsZero() {
		report.DuracionSegundos = int(math.Round(report.Fin.Sub(report.Inicio).Seconds()))
	}
	if report.Status == "" {
		report.Status = "completed"
	}

	var errs []error
	if in.Image != nil && len(in.Image.Data) > 0 {
		uri, err := m.saveImage(report.ID, in.Image)
		if err != nil {
			errs = append(errs, &PersistenceError{Op: "saving report image", Err: err})
		} else {
			report.ImageURI = uri
		}
	}

	if err := m.store.Add(ctx, *report); err != nil {
		errs = append(errs, err)
	}

	log := m.log.WithFields(logrus.Fields{"report_id": report.ID, "session_id": in.SessionID})
	if len(errs) > 0 {
		m.metrics.PersistenceErrors.Add(1)
		err := errors.Join(errs...)
		log.WithError(err).Error("Report could not be fully persisted")
		return report, err
	}
	m.metrics.ReportsPersisted.Add(1)
	log.WithFields(logrus.Fields{
		"entradas": report.Entradas,
		"salidas":  report.Salidas,
		"count":    report.Count,
	}).Info("Report saved")
	return report, nil
}

func (m *Materializer) saveImage(id string, frame *models.CaptureFrame) (string, error) {
	if err := os.MkdirAll(m.imagesDir, 0o755); err != nil {
		return "", fmt.Errorf("creating images directory: %w", err)
	}
	ext := ".jpg"
	if strings.HasSuffix(frame.MIMEType, "png") {
		ext = ".png"
	}
	path := filepath.Join(m.imagesDir, id+ext)
	if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// ImagePath resolves a report's file:// image URI to a local path.
func ImagePath(uri string) (string, bool) {
	if !strings.HasPrefix(uri, "file://") {
		return "", false
	}
	return filepath.FromSlash(strings.TrimPrefix(uri, "file://")), true
}
