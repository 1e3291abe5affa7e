package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/presencepro/tracker/cmd/server"
	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/logger"
	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/models"
	"github.com/presencepro/tracker/services"
)

var rootDir string

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "serve":
		runServe(os.Args[2:])
	case "detect":
		runDetect(os.Args[2:])
	case "doors":
		runDoors(os.Args[2:])
	case "track":
		runTrack(os.Args[2:])
	case "reports":
		runReports(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: tracker <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  serve     Start the control service")
	fmt.Fprintln(os.Stderr, "  detect    Detect persons in one image")
	fmt.Fprintln(os.Stderr, "  doors     Detect the largest door in one image")
	fmt.Fprintln(os.Stderr, "  track     Run a tracking session over a directory of frames")
	fmt.Fprintln(os.Stderr, "  reports   List, show, comment or delete saved reports")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Common flags:")
	fmt.Fprintln(os.Stderr, "  -root     Project root directory (default: directory holding config/)")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Run 'tracker <command> -help' for details.")
}

func addRootFlag(fs *flag.FlagSet) {
	fs.StringVar(&rootDir, "root", "", "project root directory (default: directory holding config/)")
}

func resolveRoot() string {
	if rootDir != "" {
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			fatalf("resolving root: %v", err)
		}
		return abs
	}

	exe, err := os.Executable()
	if err == nil {
		candidate := filepath.Dir(exe)
		if _, err := os.Stat(filepath.Join(candidate, "config")); err == nil {
			return candidate
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		fatalf("getting cwd: %v", err)
	}
	return cwd
}

func loadAppConfig() *config.AppConfig {
	root := resolveRoot()
	if err := config.LoadDotEnv(filepath.Join(root, ".env")); err != nil {
		fatalf("loading .env: %v", err)
	}

	cfg, err := config.LoadConfig(
		filepath.Join(root, "config", "app.yaml"),
		filepath.Join(root, "config", "tracking.yaml"),
	)
	if err != nil {
		fatalf("loading config: %v", err)
	}

	// Make relative paths absolute against project root
	for _, p := range []*string{
		&cfg.App.DataDir,
		&cfg.App.LogFile,
		&cfg.Capture.Directory.Path,
		&cfg.Storage.FileDir,
		&cfg.Storage.DBPath,
		&cfg.Storage.ImagesDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}

	return cfg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addRootFlag(fs)
	fs.Parse(args)

	cfg := loadAppConfig()
	log := logger.New(cfg.App.LogLevel, cfg.App.LogFile)
	if err := server.Start(cfg, log); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
}

func loadImageFlag(fs *flag.FlagSet, image string) *models.CaptureFrame {
	if image == "" {
		fmt.Fprintln(os.Stderr, "error: -image flag is required")
		fs.Usage()
		os.Exit(1)
	}
	data, err := os.ReadFile(image)
	if err != nil {
		fatalf("reading image: %v", err)
	}
	frame, err := services.FrameFromImage(data)
	if err != nil {
		fatalf("%v", err)
	}
	return frame
}

func runDetect(args []string) {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	image := fs.String("image", "", "path to a JPEG or PNG image (required)")
	addRootFlag(fs)
	fs.Parse(args)

	frame := loadImageFlag(fs, *image)
	cfg := loadAppConfig()
	client := services.NewInferenceClient(cfg.Backend)

	resp, err := client.DetectPersons(context.Background(), frame)
	if err != nil {
		fatalf("detecting persons: %v", err)
	}

	fmt.Printf("%d person(s) in %s (%dx%d)\n", resp.PersonCount, *image, frame.Width, frame.Height)
	for i, p := range resp.Persons {
		if !p.BBox.Valid() {
			continue
		}
		r := p.BBox.Region()
		fmt.Printf("  #%d  score=%.2f  box=[%.0f, %.0f, %.0f, %.0f]\n", i+1, p.Score, r.X1, r.Y1, r.X2, r.Y2)
	}
}

func runDoors(args []string) {
	fs := flag.NewFlagSet("doors", flag.ExitOnError)
	image := fs.String("image", "", "path to a JPEG or PNG image (required)")
	addRootFlag(fs)
	fs.Parse(args)

	frame := loadImageFlag(fs, *image)
	cfg := loadAppConfig()
	client := services.NewInferenceClient(cfg.Backend)

	doors, err := client.DetectDoors(context.Background(), frame)
	if err != nil {
		fatalf("detecting doors: %v", err)
	}
	region, ok := services.SelectLargest(doors)
	if !ok {
		fatalf("%v", services.ErrNoDoorsFound)
	}
	b := region.Bounds()
	fmt.Printf("%d candidate(s); largest door: [%d, %d, %d, %d]\n", len(doors), b.X1, b.Y1, b.X2, b.Y2)
}

func parseDoor(s string) (models.DoorRegion, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return models.DoorRegion{}, fmt.Errorf("door must be x1,y1,x2,y2")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return models.DoorRegion{}, fmt.Errorf("door coordinate %q: %w", p, err)
		}
		v[i] = f
	}
	return models.DoorRegion{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, nil
}

func runTrack(args []string) {
	fs := flag.NewFlagSet("track", flag.ExitOnError)
	frames := fs.String("frames", "", "directory of JPEG frames to replay (required)")
	duration := fs.Duration("duration", 30*time.Second, "how long to keep the session open")
	door := fs.String("door", "", "door region x1,y1,x2,y2 in source pixels (default: auto-detect)")
	addRootFlag(fs)
	fs.Parse(args)

	if *frames == "" {
		fmt.Fprintln(os.Stderr, "error: -frames flag is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAppConfig()
	cfg.Capture.Backend = "directory"
	cfg.Capture.Directory.Path = *frames
	log := logger.New(cfg.App.LogLevel, "")

	kv, err := services.NewKVStore(cfg.Storage, log)
	if err != nil {
		fatalf("opening report store: %v", err)
	}
	defer kv.Close()

	capture, stopCapture, err := services.NewCapturer(cfg.Capture, log)
	if err != nil {
		fatalf("opening frames: %v", err)
	}
	defer stopCapture()

	hub := services.NewHub()
	ctrl := services.NewController(cfg, capture, services.NewInferenceClient(cfg.Backend),
		services.NewReportStore(kv, cfg.Storage.Key), hub, log, metrics.New())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var region *models.DoorRegion
	if *door != "" {
		d, err := parseDoor(*door)
		if err != nil {
			fatalf("%v", err)
		}
		region = &d
	} else if _, err := ctrl.DetectDoor(ctx, nil); err != nil {
		fatalf("detecting door: %v (use -door)", err)
	}

	if err := ctrl.StartTracking(ctx, region); err != nil {
		fatalf("starting session: %v", err)
	}

	_, events := hub.Subscribe()
	timer := time.NewTimer(*duration)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-timer.C:
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if ev.Type == services.EventTrackingTick && ev.Stats != nil {
				fmt.Printf("frame %d  entradas=%d  salidas=%d  dentro=%d\n",
					ev.Frame, ev.Stats.Entradas, ev.Stats.Salidas, ev.Stats.PersonasDentro)
			}
			if ev.Type == services.EventTrackingInfo && ev.State == string(services.StateClosed) {
				break loop
			}
		}
	}

	report, err := ctrl.StopTracking(context.Background())
	if errors.Is(err, services.ErrNotActive) {
		fmt.Println("session ended before the timer ran out")
		if last := ctrl.Tracker.Status().LastReport; last != nil {
			printReport(last)
		}
		return
	}
	if report != nil {
		printReport(report)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func openReports() (*services.ReportStore, func()) {
	cfg := loadAppConfig()
	kv, err := services.NewKVStore(cfg.Storage, logger.Discard())
	if err != nil {
		fatalf("opening report store: %v", err)
	}
	return services.NewReportStore(kv, cfg.Storage.Key), func() { kv.Close() }
}

func runReports(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: tracker reports <list|show|delete|clear|comment> [flags]")
		os.Exit(1)
	}

	action := args[0]
	fs := flag.NewFlagSet("reports "+action, flag.ExitOnError)
	id := fs.String("id", "", "report ID")
	text := fs.String("text", "", "comment text (comment only)")
	addRootFlag(fs)
	fs.Parse(args[1:])

	needID := action == "show" || action == "delete" || action == "comment"
	if needID && *id == "" {
		fmt.Fprintln(os.Stderr, "error: -id flag is required")
		fs.Usage()
		os.Exit(1)
	}

	store, closeStore := openReports()
	defer closeStore()
	ctx := context.Background()

	switch action {
	case "list":
		reports, err := store.List(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if len(reports) == 0 {
			fmt.Println("No reports")
			return
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWHEN\tENTRADAS\tSALIDAS\tDENTRO\tSTATUS")
		for _, r := range reports {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
				r.ID, humanize.Time(r.Timestamp), r.Entradas, r.Salidas, r.Count, r.Status)
		}
		tw.Flush()
	case "show":
		r, err := store.Get(ctx, *id)
		if err != nil {
			fatalf("%v", err)
		}
		printReport(r)
	case "delete":
		if err := store.Delete(ctx, *id); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Deleted %s\n", *id)
	case "clear":
		if err := store.DeleteAll(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("All reports deleted")
	case "comment":
		if _, err := store.UpdateComment(ctx, *id, *text); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Comment saved on %s\n", *id)
	default:
		fatalf("unknown reports action %q", action)
	}
}

func printReport(r *models.Report) {
	fmt.Printf("Report %s (%s)\n", r.ID, r.Status)
	fmt.Printf("  when:      %s (%s)\n", r.Timestamp.Local().Format(time.DateTime), humanize.Time(r.Timestamp))
	fmt.Printf("  duration:  %s\n", time.Duration(r.DuracionSegundos)*time.Second)
	fmt.Printf("  entradas:  %d\n", r.Entradas)
	fmt.Printf("  salidas:   %d\n", r.Salidas)
	fmt.Printf("  dentro:    %d\n", r.Count)
	if r.Confidence != nil {
		fmt.Printf("  confianza: %.1f%%\n", *r.Confidence*100)
	}
	if r.ImageURI != "" {
		fmt.Printf("  image:     %s\n", r.ImageURI)
	}
	if r.Comment != "" {
		fmt.Printf("  comment:   %s\n", r.Comment)
	}
}
