package documents

import (
	"docrelay/core"
	"docrelay/middleware"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// maxBodySize bounds request bodies.
const maxBodySize = 5 << 20

type DocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": message})
}

func renderStoreError(w http.ResponseWriter, r *http.Request, err error, log *logrus.Entry, action string) {
	if errors.Is(err, core.ErrDocumentNotFound) {
		log.Warn("Document not found")
		renderError(w, r, http.StatusNotFound, "Document not found")
		return
	}
	log.WithError(err).Errorf("Error %s document", action)
	renderError(w, r, http.StatusInternalServerError, "Server error")
}

func decodeRequest(r *http.Request) (DocumentRequest, error) {
	var req DocumentRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return req, err
	}
	defer r.Body.Close()

	if len(body) == 0 {
		return req, nil
	}
	err = json.Unmarshal(body, &req)
	return req, err
}

func caller(w http.ResponseWriter, r *http.Request) (*core.Identity, bool) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		renderError(w, r, http.StatusUnauthorized, "User claims not found")
	}
	return identity, ok
}

func HandleList(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := caller(w, r)
		if !ok {
			return
		}

		docs, err := documentStore.List(r.Context(), identity.Subject)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":   err,
				"user_id": identity.Subject,
			}).Error("Error fetching documents")
			renderError(w, r, http.StatusInternalServerError, "Server error")
			return
		}
		if docs == nil {
			docs = []*core.Document{}
		}
		render.JSON(w, r, docs)
	}
}

func HandleGet(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		doc, err := documentStore.FindID(r.Context(), id)
		if err != nil {
			renderStoreError(w, r, err, log, "fetching")
			return
		}
		render.JSON(w, r, doc)
	}
}

func HandleCreate(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := caller(w, r)
		if !ok {
			return
		}

		req, err := decodeRequest(r)
		if err != nil {
			logrus.WithError(err).Warn("Invalid document payload")
			renderError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}

		doc, err := documentStore.Create(r.Context(), req.Title, req.Content, identity.Subject)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":   err,
				"user_id": identity.Subject,
			}).Error("Error creating document")
			renderError(w, r, http.StatusInternalServerError, "Server error")
			return
		}
		render.JSON(w, r, doc)
	}
}

func HandleUpdate(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		req, err := decodeRequest(r)
		if err != nil {
			log.WithError(err).Warn("Invalid document payload")
			renderError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}

		doc, err := documentStore.Update(r.Context(), id, req.Title, req.Content)
		if err != nil {
			renderStoreError(w, r, err, log, "updating")
			return
		}
		render.JSON(w, r, doc)
	}
}

func HandleDelete(documentStore core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("document_id", id)

		if err := documentStore.Delete(r.Context(), id); err != nil {
			renderStoreError(w, r, err, log, "deleting")
			return
		}
		render.JSON(w, r, MessageResponse{Message: "Document deleted successfully"})
	}
}

// Routes mounts the CRUD handlers; callers wrap it with the auth middleware.
func Routes(documentStore core.DocumentStore) chi.Router {
	r := chi.NewRouter()
	r.Get("/", HandleList(documentStore))
	r.Post("/", HandleCreate(documentStore))
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", HandleGet(documentStore))
		r.Put("/", HandleUpdate(documentStore))
		r.Delete("/", HandleDelete(documentStore))
	})
	return r
}
