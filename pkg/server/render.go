package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
)

//go:embed templates/*.html static/*
var assetsFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"statusLabel":   statusLabel,
	"statusChoices": statusChoices,
}).ParseFS(assetsFS, "templates/*.html"))

// statusOptions are the status codes the page offers. Other codes are
// stored and shown as-is.
var statusOptions = []statusOption{
	{Value: 1, Label: "To Do"},
	{Value: 2, Label: "In Progress"},
	{Value: 3, Label: "Done"},
}

type statusOption struct {
	Value int
	Label string
}

func statusLabel(code int) string {
	for _, o := range statusOptions {
		if o.Value == code {
			return o.Label
		}
	}
	return "Status " + strconv.Itoa(code)
}

// statusChoices returns the options for a story's status select. A code
// outside statusOptions is offered too, so saving keeps it.
func statusChoices(current int) []statusOption {
	for _, o := range statusOptions {
		if o.Value == current {
			return statusOptions
		}
	}
	choices := make([]statusOption, 0, len(statusOptions)+1)
	choices = append(choices, statusOptions...)
	return append(choices, statusOption{Value: current, Label: statusLabel(current)})
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}

// renderHTML executes name into a buffer first so a template error can still
// produce a clean 500.
func renderHTML(w http.ResponseWriter, status int, name string, data interface{}) error {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
