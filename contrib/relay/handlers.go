package relay

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/collabdoc/docsync/internal/codec"
	"github.com/collabdoc/docsync/pkg/constants"
	"github.com/collabdoc/docsync/pkg/models"
)

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	hubs := make([]*hub, 0, len(a.hubs))
	for _, h := range a.hubs {
		hubs = append(hubs, h)
	}
	a.mu.Unlock()

	clients := 0
	for _, h := range hubs {
		clients += h.snapshot().clients
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"hubs":    len(hubs),
		"clients": clients,
	})
}

func (a *App) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	var (
		docs []*models.Document
		err  error
	)
	switch {
	case query.Get("parent") != "":
		parentID, parseErr := models.ParseDocumentID(query.Get("parent"))
		if parseErr != nil {
			respondError(w, http.StatusBadRequest, "Invalid parent ID")
			return
		}
		docs, err = a.store.ListChildDocuments(ctx, parentID)
	default:
		docs, err = a.store.ListRootDocuments(ctx)
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	respondJSON(w, http.StatusOK, docs)
}

func (a *App) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var nd models.NewDocument
	if err := wire.NewDecoder(r.Body).Decode(&nd); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	doc, err := a.store.CreateDocument(r.Context(), nd)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, doc)
}

func (a *App) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	doc, err := a.store.GetDocument(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (a *App) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	var update models.DocumentUpdate
	if err := wire.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	doc, err := a.store.UpdateDocument(r.Context(), id, update)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

func (a *App) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	if err := a.store.DeleteDocument(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListPeers(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	peers := []string{}
	if h, ok := a.lookupHub(id); ok {
		if ids := h.snapshot().cursorIDs; ids != nil {
			peers = ids
		}
	}
	respondJSON(w, http.StatusOK, peers)
}

// authMiddleware rejects API requests without a valid bearer token when a
// secret is configured.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.config.Secret) == 0 || r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := a.authenticate(token); err != nil {
			respondError(w, http.StatusUnauthorized, "Invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func documentID(w http.ResponseWriter, r *http.Request) (models.DocumentID, bool) {
	id, err := models.ParseDocumentID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid document ID")
		return 0, false
	}
	return id, true
}

// wire encodes request and response bodies of the document API.
var wire codec.Codec = codec.JSON{}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := wire.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_, _ = w.Write(response)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps the store sentinels onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, constants.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, constants.ErrForbidden), errors.Is(err, constants.ErrReadOnly):
		respondError(w, http.StatusForbidden, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
