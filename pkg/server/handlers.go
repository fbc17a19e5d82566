package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/storyboard/storyboard/pkg/lifecycle"
	"github.com/storyboard/storyboard/pkg/stores"
	"github.com/storyboard/storyboard/pkg/telemetry"
)

type indexPage struct {
	Stories       []*stores.Story
	StatusOptions []statusOption
	DBState       string
	Error         string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.FromContext(ctx)

	page := indexPage{StatusOptions: statusOptions, DBState: s.manager.State().String()}
	status := http.StatusOK

	stories, err := s.listStories(r)
	if err != nil {
		logger.WithError(err).Error("Failed to list stories")
		status = httpStatus(err)
		page.Error = "Stories are unavailable right now."
		if stores.IsFatalSwap(err) || s.manager.State() == lifecycle.StateFailed {
			page.Error = "No usable database is active. Upload a valid database file to recover."
		}
	}
	page.Stories = stories

	if err := renderHTML(w, status, "index.html", page); err != nil {
		logger.WithError(err).Error("Failed to render index")
		writeText(w, http.StatusInternalServerError, "Failed to render page")
	}
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := s.listStories(r)
	if err != nil {
		telemetry.FromContext(r.Context()).WithError(err).Error("Failed to list stories")
		writeJSONError(w, httpStatus(err), "Failed to fetch stories")
		return
	}
	if stories == nil {
		stories = []*stores.Story{}
	}
	writeJSON(w, http.StatusOK, stories)
}

func (s *Server) listStories(r *http.Request) ([]*stores.Story, error) {
	ic := telemetry.StartOperation(r.Context(), "story.list")

	var stories []*stores.Story
	err := s.manager.WithHandle(ic.Ctx, func(db *sql.DB) error {
		var err error
		stories, err = s.store.List(ic.Ctx, db)
		return err
	})
	ic.End(err)
	s.tel.Metrics.RecordStoryOperation("list", err)
	if err == nil {
		s.tel.Metrics.SetStoryCount(len(stories))
		ic.Logger.WithField("stories", len(stories)).Debug("Stories listed")
	}
	return stories, err
}

func (s *Server) handleCreateStory(w http.ResponseWriter, r *http.Request) {
	in, err := s.readStoryInput(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ic := telemetry.StartOperation(r.Context(), "story.insert")
	var story *stores.Story
	err = s.manager.WithHandle(ic.Ctx, func(db *sql.DB) error {
		var err error
		story, err = s.store.Insert(ic.Ctx, db, in)
		return err
	})
	if err == nil && ic.Span != nil {
		ic.Span.SetAttributes(telemetry.AttrStoryID.Int64(story.ID))
	}
	ic.End(err)
	s.tel.Metrics.RecordStoryOperation("insert", err)
	if err != nil {
		ic.Logger.WithError(err).Warn("Failed to add story")
		writeJSONError(w, httpStatus(err), errorMessage(err, "Failed to add story"))
		return
	}

	ic.Logger.WithStoryID(story.ID).Info("Story added")
	writeJSON(w, http.StatusCreated, messageResponse{Message: "Story added successfully"})
}

func (s *Server) handleUpdateStory(w http.ResponseWriter, r *http.Request) {
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	in, err := s.readStoryInput(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ic := telemetry.StartOperation(r.Context(), "story.update", telemetry.AttrStoryID.Int64(id))
	logger := ic.Logger.WithStoryID(id)
	err = s.manager.WithHandle(ic.Ctx, func(db *sql.DB) error {
		return s.store.Update(ic.Ctx, db, id, in)
	})
	ic.End(err)
	s.tel.Metrics.RecordStoryOperation("update", err)
	if err != nil {
		logger.WithError(err).Warn("Failed to update story")
		writeJSONError(w, httpStatus(err), errorMessage(err, "Failed to update story"))
		return
	}

	logger.Info("Story updated")
	writeJSON(w, http.StatusOK, messageResponse{Message: "Story updated successfully"})
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	id, ok := storyID(w, r)
	if !ok {
		return
	}

	ic := telemetry.StartOperation(r.Context(), "story.delete", telemetry.AttrStoryID.Int64(id))
	logger := ic.Logger.WithStoryID(id)
	err := s.manager.WithHandle(ic.Ctx, func(db *sql.DB) error {
		return s.store.Delete(ic.Ctx, db, id)
	})
	ic.End(err)
	s.tel.Metrics.RecordStoryOperation("delete", err)
	if err != nil {
		logger.WithError(err).Warn("Failed to delete story")
		writeJSONError(w, httpStatus(err), errorMessage(err, "Failed to delete story"))
		return
	}

	logger.Info("Story deleted")
	writeJSON(w, http.StatusOK, messageResponse{Message: "Story deleted successfully"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.FromContext(ctx)

	exp, err := s.manager.OpenExport(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to export database")
		writeText(w, httpStatus(err), "Failed to export database")
		return
	}
	defer exp.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ExportFilename}))
	http.ServeContent(w, r, ExportFilename, exp.ModTime, exp.File)

	logger.WithField("bytes", exp.Size).Info("Database exported")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	file, header, err := r.FormFile(UploadField)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeText(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Database file exceeds %d bytes", maxErr.Limit))
		default:
			writeText(w, http.StatusBadRequest, "No file uploaded")
		}
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	logger = logger.WithFields(map[string]interface{}{"filename": header.Filename, "bytes": header.Size})

	res, err := s.manager.ReplaceWith(ctx, file)
	if err != nil {
		switch {
		case stores.IsValidation(err):
			logger.WithError(err).Warn("Rejected uploaded database")
			writeText(w, http.StatusBadRequest, "Uploaded file is not a valid Storyboard database: "+errorMessage(err, "invalid file"))
		case stores.IsFatalSwap(err):
			logger.WithError(err).Error("Database swap failed fatally")
			writeText(w, http.StatusInternalServerError, "Database replacement failed and no database is active. Upload a valid database file to recover.")
		default:
			logger.WithError(err).Error("Failed to replace database")
			writeText(w, httpStatus(err), "Failed to replace database; the previous database is still active")
		}
		return
	}

	s.tel.Metrics.SetStoryCount(res.Stories)
	logger.WithField("stories", res.Stories).Info("Database uploaded")
	writeText(w, http.StatusOK, "Database uploaded successfully")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.manager.State()
	if err := s.manager.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": state.String()})
}

// storyRequest is the JSON form of a story body. Status may be a number or a string.
type storyRequest struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      interface{} `json:"status"`
}

// readStoryInput reads title, description and status from a JSON,
// multipart or urlencoded body.
func (s *Server) readStoryInput(r *http.Request) (stores.StoryInput, error) {
	var title, description, rawStatus string

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json":
		var req storyRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return stores.StoryInput{}, fmt.Errorf("invalid JSON body")
		}
		title, description = req.Title, req.Description
		switch v := req.Status.(type) {
		case nil:
		case string:
			rawStatus = v
		case float64:
			rawStatus = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			rawStatus = fmt.Sprint(v)
		}
	case strings.HasPrefix(mediaType, "multipart/"):
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return stores.StoryInput{}, fmt.Errorf("invalid form body")
		}
		title, description, rawStatus = r.FormValue("title"), r.FormValue("description"), r.FormValue("status")
	default:
		if err := r.ParseForm(); err != nil {
			return stores.StoryInput{}, fmt.Errorf("invalid form body")
		}
		title, description, rawStatus = r.PostFormValue("title"), r.PostFormValue("description"), r.PostFormValue("status")
	}

	status, ok := stores.ParseStatus(rawStatus)
	if !ok {
		telemetry.FromContext(r.Context()).
			WithField("status", rawStatus).
			Warnf("Unparseable status, using default %d", stores.DefaultStatus)
	}

	return stores.StoryInput{Title: title, Description: description, Status: status}, nil
}

func storyID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "Invalid story id")
		return 0, false
	}
	return id, true
}

// httpStatus maps an error class to a response code.
func httpStatus(err error) int {
	switch stores.ClassOf(err) {
	case stores.ErrorClassValidation:
		return http.StatusBadRequest
	case stores.ErrorClassUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage returns the client-safe message of a validation error, or fallback.
func errorMessage(err error, fallback string) string {
	var se *stores.Error
	if errors.As(err, &se) && se.Class == stores.ErrorClassValidation && se.Message != "" {
		return se.Message
	}
	if stores.IsUnavailable(err) {
		return "Database is unavailable; try again shortly"
	}
	return fallback
}
