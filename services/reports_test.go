package services

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/logger"
	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/models"
)

func kvBackends(t *testing.T) map[string]KVStore {
	t.Helper()
	fileKV, err := NewFileKV(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	sqliteKV, err := NewStorage(filepath.Join(t.TempDir(), "db", "presence.db"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	t.Cleanup(func() { sqliteKV.Close() })

	backends := map[string]KVStore{"file": fileKV, "sqlite": sqliteKV}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisKV, _ := NewRedisKV(config.RedisSettings{Addr: addr, DB: 15}, logger.Discard())
		if redisKV.Ping(context.Background()) == nil {
			t.Cleanup(func() { redisKV.Close() })
			backends["redis"] = redisKV
		}
	}
	return backends
}

func TestKVStoreBackends(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "@test_" + name

			if _, err := kv.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
				t.Fatalf("Get missing = %v, want ErrKeyNotFound", err)
			}
			if err := kv.Set(ctx, key, []byte(`[1]`)); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := kv.Set(ctx, key, []byte(`[1,2]`)); err != nil {
				t.Fatalf("Set again: %v", err)
			}
			got, err := kv.Get(ctx, key)
			if err != nil || string(got) != `[1,2]` {
				t.Fatalf("Get = %q, %v", got, err)
			}
			if err := kv.Delete(ctx, key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := kv.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
				t.Errorf("Get after delete = %v", err)
			}
			if err := kv.Delete(ctx, key); err != nil {
				t.Errorf("Delete missing: %v", err)
			}
		})
	}
}

func TestReportStoreNewestFirst(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := NewReportStore(kv, "@reports_"+name)
			store.DeleteAll(ctx)

			reports, err := store.List(ctx)
			if err != nil || len(reports) != 0 {
				t.Fatalf("empty List = %v, %v", reports, err)
			}
			for _, id := range []string{"r1", "r2", "r3"} {
				if err := store.Add(ctx, models.Report{ID: id, Entradas: len(id)}); err != nil {
					t.Fatalf("Add %s: %v", id, err)
				}
			}
			reports, _ = store.List(ctx)
			if len(reports) != 3 || reports[0].ID != "r3" || reports[2].ID != "r1" {
				t.Fatalf("order = %v", reportIDs(reports))
			}

			updated, err := store.UpdateComment(ctx, "r2", "puerta principal")
			if err != nil || updated.Comment != "puerta principal" {
				t.Fatalf("UpdateComment = %+v, %v", updated, err)
			}
			got, _ := store.Get(ctx, "r2")
			if got.Comment != "puerta principal" {
				t.Errorf("comment not persisted: %+v", got)
			}

			if err := store.Delete(ctx, "r2"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "r2"); !errors.Is(err, ErrReportNotFound) {
				t.Errorf("Get deleted = %v", err)
			}
			if err := store.Delete(ctx, "nope"); !errors.Is(err, ErrReportNotFound) {
				t.Errorf("Delete missing = %v", err)
			}
			if _, err := store.UpdateComment(ctx, "nope", "x"); !errors.Is(err, ErrReportNotFound) {
				t.Errorf("UpdateComment missing = %v", err)
			}

			if err := store.DeleteAll(ctx); err != nil {
				t.Fatalf("DeleteAll: %v", err)
			}
			reports, _ = store.List(ctx)
			if len(reports) != 0 {
				t.Errorf("after DeleteAll: %v", reportIDs(reports))
			}
		})
	}
}

func TestReportStoreCorruptList(t *testing.T) {
	kv, _ := NewFileKV(t.TempDir())
	kv.Set(context.Background(), config.ReportsKey, []byte("{not json"))
	store := NewReportStore(kv, config.ReportsKey)

	_, err := store.List(context.Background())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("List = %v, want persistence failure", err)
	}
	if err := store.Add(context.Background(), models.Report{ID: "x"}); !errors.Is(err, ErrPersistence) {
		t.Errorf("Add = %v", err)
	}
}

func reportIDs(reports []models.Report) []string {
	ids := make([]string, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}
	return ids
}

func TestMaterializerBuildsReport(t *testing.T) {
	store := newTestStore(t)
	imagesDir := filepath.Join(t.TempDir(), "frames")
	m := metrics.New()
	mat := NewMaterializer(store, imagesDir, logger.Discard(), m)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mat.now = func() time.Time { return fixed }

	conf := 0.82
	frame := testFrame(t)
	report, err := mat.Materialize(context.Background(), ReportInput{
		SessionID:  "s-9",
		Stats:      models.TrackingStats{Entradas: 5, Salidas: 2, PersonasDentro: 3},
		Image:      frame,
		StartedAt:  fixed.Add(-90 * time.Second),
		EndedAt:    fixed,
		Confidence: &conf,
	})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if report.ID == "" || report.Count != 3 || report.Entradas != 5 || report.Salidas != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.DuracionSegundos != 90 || report.Status != StatusCompleted || !report.Timestamp.Equal(fixed) {
		t.Errorf("times/status = %d %q %s", report.DuracionSegundos, report.Status, report.Timestamp)
	}
	path, ok := ImagePath(report.ImageURI)
	if !ok || !strings.HasPrefix(report.ImageURI, "file://") {
		t.Fatalf("image uri = %q", report.ImageURI)
	}
	saved, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(saved, frame.Data) {
		t.Errorf("saved image mismatch: %v", err)
	}
	if m.ReportsPersisted.Load() != 1 {
		t.Errorf("reports persisted = %d", m.ReportsPersisted.Load())
	}

	stored, _ := store.Get(context.Background(), report.ID)
	if stored == nil || stored.ImageURI != report.ImageURI {
		t.Errorf("stored = %+v", stored)
	}
}

func TestMaterializerWithoutImage(t *testing.T) {
	mat := NewMaterializer(newTestStore(t), t.TempDir(), logger.Discard(), metrics.New())
	report, err := mat.Materialize(context.Background(), ReportInput{})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if report.ImageURI != "" || report.Confidence != nil {
		t.Errorf("report = %+v", report)
	}
}

func TestMaterializerPersistenceFailure(t *testing.T) {
	m := metrics.New()
	// A file where the images directory should be.
	blocked := filepath.Join(t.TempDir(), "blocked")
	os.WriteFile(blocked, nil, 0o644)
	mat := NewMaterializer(NewReportStore(failingKV{}, config.ReportsKey), blocked, logger.Discard(), m)

	report, err := mat.Materialize(context.Background(), ReportInput{
		Stats: models.TrackingStats{Entradas: 1},
		Image: testFrame(t),
	})
	if report == nil || report.Entradas != 1 {
		t.Fatalf("report not returned: %+v", report)
	}
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want persistence failure", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Errorf("err is not a PersistenceError: %T", err)
	}
	if m.PersistenceErrors.Load() != 1 {
		t.Errorf("persistence errors = %d", m.PersistenceErrors.Load())
	}
}

func TestMaterializerRetryKeepsOneRecord(t *testing.T) {
	store := newTestStore(t)
	blocked := filepath.Join(t.TempDir(), "blocked")
	os.WriteFile(blocked, nil, 0o644)
	mat := NewMaterializer(store, blocked, logger.Discard(), metrics.New())
	ctx := context.Background()

	report, err := mat.Materialize(ctx, ReportInput{Stats: models.TrackingStats{Entradas: 2}, Image: testFrame(t)})
	if !errors.Is(err, ErrPersistence) || report == nil {
		t.Fatalf("Materialize = %+v, %v; want report with image failure", report, err)
	}
	reports, _ := store.List(ctx)
	if len(reports) != 1 {
		t.Fatalf("records after failed image = %d, want 1", len(reports))
	}

	report.Comment = "reintento"
	if err := store.Add(ctx, *report); err != nil {
		t.Fatalf("retry Add: %v", err)
	}
	reports, _ = store.List(ctx)
	if len(reports) != 1 || reports[0].ID != report.ID || reports[0].Comment != "reintento" {
		t.Fatalf("records after retry = %v", reportIDs(reports))
	}

	store.Add(ctx, models.Report{ID: "other"})
	store.Add(ctx, *report)
	reports, _ = store.List(ctx)
	if len(reports) != 2 || reports[0].ID != "other" || reports[1].ID != report.ID {
		t.Errorf("order after re-adding = %v, want replaced in place", reportIDs(reports))
	}
}

func TestWriteReportHTML(t *testing.T) {
	imagesDir := t.TempDir()
	path := filepath.Join(imagesDir, "r.jpg")
	os.WriteFile(path, jpegBytes(t, 8, 8), 0o644)
	conf := 0.875

	var buf bytes.Buffer
	err := WriteReportHTML(&buf, models.Report{
		ID:               "r-1",
		Timestamp:        time.Now(),
		Entradas:         7,
		Salidas:          4,
		Count:            3,
		Confidence:       &conf,
		ImageURI:         "file://" + filepath.ToSlash(path),
		Comment:          "<b>ok</b>",
		DuracionSegundos: 65,
		Status:           StatusCompleted,
	})
	if err != nil {
		t.Fatalf("WriteReportHTML: %v", err)
	}
	html := buf.String()
	for _, want := range []string{"ENTRADAS", ">7<", ">4<", "87.5%", "1m5s", "data:image/jpeg;base64,", "&lt;b&gt;ok&lt;/b&gt;", "Presence Pro"} {
		if !strings.Contains(html, want) {
			t.Errorf("html missing %q", want)
		}
	}

	buf.Reset()
	WriteReportHTML(&buf, models.Report{ID: "r-2"})
	if !strings.Contains(buf.String(), defaultComment) {
		t.Error("default comment missing")
	}
}
