package authority

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabtext/notesync/document"
	"collabtext/notesync/protocol"
	"collabtext/notesync/push"
)

// Handler serves the authority's REST and WebSocket routes.
type Handler struct {
	store     Store
	publisher Publisher
	hub       *Hub
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	validate  *validator.Validate
	logger    *slog.Logger
	router    *mux.Router
	notes     noteLocks
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPublisher routes push events through p instead of straight to the hub.
func WithPublisher(p Publisher) HandlerOption {
	return func(h *Handler) { h.publisher = p }
}

// WithMetrics records command outcomes in m and serves g on /metrics.
func WithMetrics(m *Metrics, g prometheus.Gatherer) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = g
	}
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

func NewHandler(store Store, hub *Hub, opts ...HandlerOption) *Handler {
	h := &Handler{store: store, hub: hub, validate: validator.New()}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	if h.publisher == nil {
		h.publisher = hub
	}

	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/notes", h.createNote).Methods(http.MethodPost)
	r.HandleFunc("/notes/{noteID}", h.getNote).Methods(http.MethodGet)
	r.HandleFunc("/notes/{noteID}", h.renameNote).Methods(http.MethodPut)
	r.HandleFunc("/notes/{noteID}", h.deleteNote).Methods(http.MethodDelete)
	r.HandleFunc("/notes/{noteID}/contents", h.addContent).Methods(http.MethodPost)
	r.HandleFunc("/notes/{noteID}/contents/{contentID}", h.updateContent).Methods(http.MethodPut)
	r.HandleFunc("/notes/{noteID}/contents/{contentID}", h.deleteContent).Methods(http.MethodDelete)
	r.HandleFunc("/ws/notes/{noteID}", func(w http.ResponseWriter, r *http.Request) {
		h.hub.ServeWS(w, r, pathVars(r)["noteID"])
	})
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	h.router = r
	return h
}

// pathVars returns the route variables with their escaping removed. The
// router matches on the encoded path so that ids may contain a slash.
func pathVars(r *http.Request) map[string]string {
	vars := mux.Vars(r)
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
		out[k] = v
	}
	return out
}

// noteLocks serializes each note's writes from commit through publish, so
// its events leave in version order.
type noteLocks struct {
	mu    sync.Mutex
	locks map[string]*noteLock
}

type noteLock struct {
	sync.Mutex
	refs int
}

// lock blocks until noteID is free and returns its unlock function.
func (l *noteLocks) lock(noteID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*noteLock)
	}
	n, ok := l.locks[noteID]
	if !ok {
		n = &noteLock{}
		l.locks[noteID] = n
	}
	n.refs++
	l.mu.Unlock()

	n.Lock()
	return func() {
		n.Unlock()
		l.mu.Lock()
		n.refs--
		if n.refs == 0 {
			delete(l.locks, noteID)
		}
		l.mu.Unlock()
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) createNote(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateNoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	doc, err := h.store.CreateNote(r.Context(), req.ID, req.Title)
	if err != nil {
		h.fail(w, "create_note", err)
		return
	}
	h.metrics.command("create_note", "accepted")
	h.logger.Info("note created", "note_id", doc.ID)
	writeJSON(w, http.StatusCreated, protocol.CreateNoteResponse{ID: doc.ID})
}

func (h *Handler) getNote(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.GetNote(r.Context(), pathVars(r)["noteID"])
	if err != nil {
		h.fail(w, "get_note", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) renameNote(w http.ResponseWriter, r *http.Request) {
	noteID := pathVars(r)["noteID"]
	var req protocol.UpdateNoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	defer h.notes.lock(noteID)()
	version, err := h.store.RenameNote(r.Context(), noteID, req.Title, *req.NoteVersion)
	if err != nil {
		h.fail(w, "rename_note", err)
		return
	}
	h.metrics.command("rename_note", "accepted")
	h.publish(r.Context(), noteID, push.DocumentRenamed{Title: req.Title, DocumentVersion: version})
	writeJSON(w, http.StatusOK, protocol.NoteVersionResponse{NoteVersion: version})
}

func (h *Handler) deleteNote(w http.ResponseWriter, r *http.Request) {
	noteID := pathVars(r)["noteID"]
	var req protocol.DeleteNoteRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	defer h.notes.lock(noteID)()
	version, err := h.store.DeleteNote(r.Context(), noteID, req.NoteVersion)
	if err != nil {
		h.fail(w, "delete_note", err)
		return
	}
	h.metrics.command("delete_note", "accepted")
	h.publish(r.Context(), noteID, push.DocumentDeleted{DocumentVersion: version})
	writeJSON(w, http.StatusOK, protocol.NoteVersionResponse{NoteVersion: version})
}

func (h *Handler) addContent(w http.ResponseWriter, r *http.Request) {
	noteID := pathVars(r)["noteID"]
	var req protocol.AddContentRequest
	if !h.decode(w, r, &req) {
		return
	}
	defer h.notes.lock(noteID)()
	kind := req.Type
	if kind == "" {
		kind = document.KindText
	}
	index := math.MaxInt
	if req.Index != nil {
		index = *req.Index
	}
	b := document.Block{ID: uuid.NewString(), Data: req.Data, Kind: kind}
	b, version, err := h.store.AddBlock(r.Context(), noteID, b, index, *req.NoteVersion)
	if err != nil {
		h.fail(w, "add_content", err)
		return
	}
	h.metrics.command("add_content", "accepted")
	h.publish(r.Context(), noteID, push.BlockAdded{
		BlockID:         b.ID,
		Position:        b.Position,
		Data:            b.Data,
		Kind:            b.Kind,
		BlockVersion:    b.Version,
		DocumentVersion: version,
	})
	writeJSON(w, http.StatusCreated, protocol.AddContentResponse{ID: b.ID, NoteVersion: version})
}

func (h *Handler) updateContent(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)
	var req protocol.UpdateContentRequest
	if !h.decode(w, r, &req) {
		return
	}
	defer h.notes.lock(vars["noteID"])()
	version, err := h.store.UpdateBlock(r.Context(), vars["noteID"], vars["contentID"], req.Data, *req.ContentVersion)
	if err != nil {
		h.fail(w, "update_content", err)
		return
	}
	h.metrics.command("update_content", "accepted")
	h.publish(r.Context(), vars["noteID"], push.BlockUpdated{
		BlockID:      vars["contentID"],
		Data:         req.Data,
		BlockVersion: version,
	})
	writeJSON(w, http.StatusOK, protocol.UpdateContentResponse{ContentVersion: version})
}

func (h *Handler) deleteContent(w http.ResponseWriter, r *http.Request) {
	vars := pathVars(r)
	var req protocol.DeleteContentRequest
	if !h.decode(w, r, &req) {
		return
	}
	defer h.notes.lock(vars["noteID"])()
	version, err := h.store.DeleteBlock(r.Context(), vars["noteID"], vars["contentID"], *req.NoteVersion, *req.ContentVersion)
	if err != nil {
		h.fail(w, "delete_content", err)
		return
	}
	h.metrics.command("delete_content", "accepted")
	h.publish(r.Context(), vars["noteID"], push.BlockDeleted{BlockID: vars["contentID"], DocumentVersion: version})
	writeJSON(w, http.StatusOK, protocol.NoteVersionResponse{NoteVersion: version})
}

// publish encodes ev and hands it to the publisher. The write is already
// committed, so a failure here only costs subscribers an event.
func (h *Handler) publish(ctx context.Context, noteID string, ev push.RemoteEvent) {
	e, err := push.ToWire(noteID, ev)
	if err != nil {
		h.logger.Error("cannot encode push event", "note_id", noteID, "err", err)
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("cannot encode push event", "note_id", noteID, "err", err)
		return
	}
	if err := h.publisher.Publish(context.WithoutCancel(ctx), noteID, payload); err != nil {
		h.logger.Warn("failed to publish push event", "note_id", noteID, "type", e.Type, "err", err)
		return
	}
	h.metrics.published(e.Type)
}

// decode reads a JSON body into v and validates it, answering 400 itself
// when either fails.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNoteExists):
		h.metrics.command(op, "conflict")
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoteNotFound), errors.Is(err, ErrBlockNotFound):
		h.metrics.command(op, "not_found")
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.metrics.command(op, "error")
		h.logger.Error("command failed", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
