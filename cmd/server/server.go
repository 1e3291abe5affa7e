package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/presencepro/tracker/api"
	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/services"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Start wires the control service and serves it until SIGINT or SIGTERM.
func Start(cfg *config.AppConfig, log *logrus.Logger) error {
	client := services.NewInferenceClient(cfg.Backend)
	log.WithField("url", client.BaseURL()).Info("Inference backend configured")

	kv, err := services.NewKVStore(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("opening report store: %w", err)
	}
	defer kv.Close()

	capture, stopCapture, err := services.NewCapturer(cfg.Capture, log)
	if err != nil {
		return fmt.Errorf("opening capture source: %w", err)
	}
	defer stopCapture()

	m := metrics.New()
	hub := services.NewHub()
	store := services.NewReportStore(kv, cfg.Storage.Key)
	ctrl := services.NewController(cfg, capture, client, store, hub, log, m)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.WaitForReady(ctx, 30*time.Second); err != nil {
			log.WithError(err).Warn("Inference backend not reachable yet")
			return
		}
		log.Info("Inference backend ready")
	}()

	addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           Router(cfg, ctrl, m, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case s := <-sig:
		log.WithField("signal", s.String()).Info("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Close first so live event streams end and Shutdown does not wait on them.
	ctrl.Close(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Router builds the HTTP routes of the control service.
func Router(cfg *config.AppConfig, ctrl *services.Controller, m *metrics.Metrics, log *logrus.Logger) http.Handler {
	cameraHandler := api.NewCameraHandler(ctrl, log)
	doorsHandler := api.NewDoorsHandler(ctrl, log)
	reportsHandler := api.NewReportsHandler(ctrl.Reports, cfg.Storage.ImagesDir)
	eventsHandler := api.NewEventsHandler(ctrl.Hub, log)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Frame-Width", "X-Frame-Height"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", m.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			api.HealthCheck(w, r, ctrl.Client)
		})
		r.Get("/status", cameraHandler.Status)
		r.Get("/snapshot", cameraHandler.Snapshot)
		r.Put("/viewport", cameraHandler.SetViewport)
		r.Post("/blur", cameraHandler.Blur)

		// Detection loop
		r.Post("/detection/start", cameraHandler.StartDetection)
		r.Post("/detection/stop", cameraHandler.StopDetection)

		// Tracking session
		r.Post("/tracking/start", cameraHandler.StartTracking)
		r.Post("/tracking/stop", cameraHandler.StopTracking)

		// Door region
		r.Get("/doors", doorsHandler.Get)
		r.Put("/doors", doorsHandler.Put)
		r.Delete("/doors", doorsHandler.Delete)
		r.Post("/doors/detect", doorsHandler.Detect)
		r.Post("/doors/draw/begin", doorsHandler.BeginDraw)
		r.Post("/doors/draw/update", doorsHandler.UpdateDraw)
		r.Post("/doors/draw/commit", doorsHandler.CommitDraw)
		r.Post("/doors/draw/cancel", doorsHandler.CancelDraw)
		r.Post("/doors/move", doorsHandler.Move)
		r.Post("/doors/resize", doorsHandler.Resize)

		// Reports
		r.Get("/reports", reportsHandler.List)
		r.Delete("/reports", reportsHandler.DeleteAll)
		r.Get("/reports/{id}", reportsHandler.Get)
		r.Delete("/reports/{id}", reportsHandler.Delete)
		r.Put("/reports/{id}/comment", reportsHandler.UpdateComment)
		r.Get("/reports/{id}/image", reportsHandler.Image)
		r.Get("/reports/{id}/html", reportsHandler.HTML)

		// Live updates
		r.Get("/events", eventsHandler.Stream)
		r.Get("/ws", eventsHandler.Socket)
	})

	return r
}
