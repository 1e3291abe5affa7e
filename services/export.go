package services

import (
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"os"
	"strings"
	"time"

	"github.com/presencepro/tracker/models"
)

const defaultComment = "No se ingresaron notas adicionales para este reporte."

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<title>Reporte {{.ID}}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; margin: 32px; color: #1c1c1e; }
h1 { font-size: 24px; margin-bottom: 4px; }
.meta { color: #636366; font-size: 13px; margin-bottom: 24px; }
.stats { display: flex; gap: 16px; margin-bottom: 24px; }
.stat { flex: 1; border-radius: 12px; padding: 16px; text-align: center; background: #f2f2f7; }
.stat .value { font-size: 32px; font-weight: bold; }
.stat .label { font-size: 12px; letter-spacing: 1px; color: #636366; }
.entradas .value { color: #34c759; }
.salidas .value { color: #ff3b30; }
table { width: 100%; border-collapse: collapse; margin-bottom: 24px; }
td { padding: 8px 0; border-bottom: 1px solid #e5e5ea; font-size: 14px; }
td.k { color: #636366; width: 40%; }
img { max-width: 100%; border-radius: 12px; margin-bottom: 24px; }
.comment { background: #f2f2f7; border-radius: 12px; padding: 16px; font-size: 14px; }
footer { margin-top: 32px; font-size: 11px; color: #8e8e93; text-align: center; }
</style>
</head>
<body>
<h1>Reporte de conteo</h1>
<div class="meta">ID {{.ID}} &middot; {{.Generated}}</div>
<div class="stats">
  <div class="stat entradas"><div class="value">{{.Report.Entradas}}</div><div class="label">ENTRADAS</div></div>
  <div class="stat salidas"><div class="value">{{.Report.Salidas}}</div><div class="label">SALIDAS</div></div>
  <div class="stat"><div class="value">{{.Report.Count}}</div><div class="label">DENTRO</div></div>
</div>
<table>
  <tr><td class="k">Inicio</td><td>{{.Inicio}}</td></tr>
  <tr><td class="k">Fin</td><td>{{.Fin}}</td></tr>
  <tr><td class="k">Duración</td><td>{{.Duration}}</td></tr>
  {{if .Report.SessionID}}<tr><td class="k">Sesión</td><td>{{.Report.SessionID}}</td></tr>{{end}}
  {{if .Confidence}}<tr><td class="k">Confianza</td><td>{{.Confidence}}</td></tr>{{end}}
  <tr><td class="k">Estado</td><td>{{.Report.Status}}</td></tr>
</table>
{{if .Image}}<img src="{{.Image}}" alt="Frame final">{{end}}
<div class="comment"><strong>Comentarios</strong><br>{{.Comment}}</div>
<footer>Presence Pro - UPIIT | IPN</footer>
</body>
</html>
`))

type reportView struct {
	Report     models.Report
	ID         string
	Generated  string
	Inicio     string
	Fin        string
	Duration   string
	Confidence string
	Comment    string
	Image      template.URL
}

// WriteReportHTML renders a printable report. The final frame is embedded
// as a data URI when its file is readable.
func WriteReportHTML(w io.Writer, r models.Report) error {
	view := reportView{
		Report:    r,
		ID:        r.ID,
		Generated: formatTime(r.Timestamp),
		Inicio:    formatTime(r.Inicio),
		Fin:       formatTime(r.Fin),
		Duration:  (time.Duration(r.DuracionSegundos) * time.Second).String(),
		Comment:   r.Comment,
	}
	if strings.TrimSpace(view.Comment) == "" {
		view.Comment = defaultComment
	}
	if r.Confidence != nil {
		view.Confidence = fmt.Sprintf("%.1f%%", *r.Confidence*100)
	}
	if path, ok := ImagePath(r.ImageURI); ok {
		if data, err := os.ReadFile(path); err == nil {
			mime := "image/jpeg"
			if strings.HasSuffix(path, ".png") {
				mime = "image/png"
			}
			view.Image = template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data))
		}
	}
	return reportTemplate.Execute(w, view)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("02/01/2006 15:04:05")
}
