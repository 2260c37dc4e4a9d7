package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/studypilot/studypilot/internal/extract"
	"github.com/studypilot/studypilot/internal/runtime"
	"github.com/studypilot/studypilot/internal/store"
)

// Upload size cap for source documents.
const maxDocumentBytes = 8 << 20

// DocumentStore captures the store surface the document endpoints need.
type DocumentStore interface {
	InsertDocument(ctx context.Context, doc store.Document) (string, error)
	SetDocumentText(ctx context.Context, id, text string) error
	GetDocument(ctx context.Context, id, ownerID string) (store.Document, bool, error)
	GetLatestDocument(ctx context.Context, ownerID, kind string) (store.Document, bool, error)
}

// DocumentsHandler accepts timetable and syllabus uploads.
type DocumentsHandler struct {
	Store DocumentStore
}

func (h *DocumentsHandler) Register(g *echo.Group, secret []byte) {
	auth := runtime.EchoAuthMiddleware(secret)
	g.POST("", h.upload, auth)
	g.GET("/latest", h.latest, auth)
}

type documentResponse struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	Format     string `json:"format"`
	CreatedAt  string `json:"created_at"`
	Preview    string `json:"preview,omitempty"`
}

// upload stores a source document and eagerly extracts its text so that a
// malformed file is rejected at upload time instead of failing the job later.
func (h *DocumentsHandler) upload(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	ctx := c.Request().Context()

	kind := c.FormValue("kind")
	if kind != store.DocumentKindTimetable && kind != store.DocumentKindSyllabus {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be timetable or syllabus")
	}
	format := c.FormValue("format")
	if format == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "format is required")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if fh.Size > maxDocumentBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "document exceeds size limit")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxDocumentBytes+1))
	if err != nil {
		return err
	}
	if len(content) > maxDocumentBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "document exceeds size limit")
	}

	var res extract.Result
	switch kind {
	case store.DocumentKindTimetable:
		res, err = extract.Timetable(content, format)
	case store.DocumentKindSyllabus:
		res, err = extract.Syllabus(content, format)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	id, err := h.Store.InsertDocument(ctx, store.Document{
		OwnerID: ownerID,
		Kind:    kind,
		Format:  format,
		Content: content,
	})
	if err != nil {
		return err
	}
	if err := h.Store.SetDocumentText(ctx, id, res.Text); err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, documentResponse{
		DocumentID: id,
		Kind:       kind,
		Format:     format,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Preview:    preview(res.Text, 200),
	})
}

func (h *DocumentsHandler) latest(c echo.Context) error {
	ownerID, _ := c.Get("owner_id").(string)
	kind := c.QueryParam("kind")
	if kind != store.DocumentKindTimetable && kind != store.DocumentKindSyllabus {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be timetable or syllabus")
	}
	doc, ok, err := h.Store.GetLatestDocument(c.Request().Context(), ownerID, kind)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no "+kind+" document uploaded")
	}
	return c.JSON(http.StatusOK, documentResponse{
		DocumentID: doc.ID,
		Kind:       doc.Kind,
		Format:     doc.Format,
		CreatedAt:  doc.CreatedAt.UTC().Format(time.RFC3339),
		Preview:    preview(doc.ExtractedText, 200),
	})
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
