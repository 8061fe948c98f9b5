package contentstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/i5heu/ouroboros-seal/pkg/challenge"
	"github.com/i5heu/ouroboros-seal/pkg/envelope"
)

// Headers used by the HTTP protocol between Handler and httpstore.
const (
	HeaderUploader  = "X-Seal-Uploader"
	HeaderSignature = "X-Seal-Signature"
	HeaderTags      = "X-Seal-Tags"
	HeaderID        = "X-Seal-Id"
)

// MaxUploadSize bounds one envelope upload.
const MaxUploadSize = 16 << 20

// UploadMessage is what an uploader personal_signs to authorise storing
// the content with the given ID.
func UploadMessage(id ContentID) []byte { // A
	return []byte("ouroboros-seal upload " + id.String())
}

// AuthFunc authenticates an upload and returns the paying address.
type AuthFunc func(r *http.Request, id ContentID) (common.Address, error)

// Pricer is implemented by stores that charge for uploads.
type Pricer interface {
	Price(size int) (uint64, error)
}

// Handler serves a Store over HTTP.
type Handler struct {
	mux    *http.ServeMux
	store  Store
	pricer Pricer
	log    *slog.Logger
	auth   AuthFunc
}

type Option func(*Handler)

// NewHandler returns a Handler exposing store.
func NewHandler(store Store, opts ...Option) *Handler { // A
	h := &Handler{
		mux:   http.NewServeMux(),
		store: store,
		log:   slog.Default(),
		auth:  SignatureAuth,
	}
	h.pricer, _ = store.(Pricer)
	for _, opt := range opts {
		opt(h)
	}
	h.routes()
	return h
}

func WithLogger(logger *slog.Logger) Option { // A
	return func(h *Handler) {
		if logger != nil {
			h.log = logger
		}
	}
}

func WithAuth(auth AuthFunc) Option { // A
	return func(h *Handler) {
		if auth != nil {
			h.auth = auth
		}
	}
}

// WithPricer serves prices from p, for stores wrapped by Instrument.
func WithPricer(p Pricer) Option { // A
	return func(h *Handler) {
		if p != nil {
			h.pricer = p
		}
	}
}

func (h *Handler) routes() { // A
	h.mux.HandleFunc("POST /upload", h.handleUpload)
	h.mux.HandleFunc("GET /price/{size}", h.handlePrice)
	h.mux.HandleFunc("GET /{id}", h.handleDownload)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { // A
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.Header().Set(
		"Access-Control-Allow-Headers",
		"Content-Type, "+HeaderUploader+", "+HeaderSignature+", "+HeaderTags,
	)
	w.Header().Set(
		"Access-Control-Expose-Headers",
		"Content-Type, Content-Length, "+HeaderID+", "+HeaderTags,
	)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.mux.ServeHTTP(w, r)
}

// SignatureAuth accepts an upload when HeaderSignature is a personal_sign
// over UploadMessage(id) by the address in HeaderUploader.
func SignatureAuth(r *http.Request, id ContentID) (common.Address, error) { // A
	claimed := r.Header.Get(HeaderUploader)
	if !common.IsHexAddress(claimed) {
		return common.Address{}, fmt.Errorf("%w: missing or invalid %s", ErrUnauthorized, HeaderUploader)
	}
	sig, err := hexutil.Decode(r.Header.Get(HeaderSignature))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %v", ErrUnauthorized, HeaderSignature, err)
	}
	addr, err := challenge.RecoverPersonal(UploadMessage(id), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if addr != common.HexToAddress(claimed) {
		return common.Address{}, fmt.Errorf("%w: signed by %s", ErrUnauthorized, addr.Hex())
	}
	return addr, nil
}

type uploadResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) { // A
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadSize))
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeError(w, "upload", fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, tooLarge.Limit))
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return
	}
	env, err := envelope.Unmarshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The signed ID must be the ID the store derives.
	if canonical, err := env.Marshal(); err != nil || !bytes.Equal(canonical, body) {
		http.Error(w, "envelope is not in canonical form", http.StatusBadRequest)
		return
	}
	tags, err := decodeTags(r.Header.Get(HeaderTags))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := NewContentID(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	uploader, err := h.auth(r, id)
	if err != nil {
		h.log.Warn("upload authentication failed", "error", err)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	stored, err := h.store.Upload(WithUploader(r.Context(), uploader), env, tags...)
	if err != nil {
		h.writeError(w, "upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{ID: stored.String(), URL: h.store.URL(stored)})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) { // A
	id, err := ParseContentID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := h.store.Download(r.Context(), id)
	if err != nil {
		h.writeError(w, "download", err)
		return
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Raw)))
	w.Header().Set(HeaderID, rec.ID.String())
	w.Header().Set(HeaderTags, string(tags))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rec.Raw); err != nil {
		h.log.Warn("failed to write record", "id", id.String(), "error", err)
	}
}

func (h *Handler) handlePrice(w http.ResponseWriter, r *http.Request) { // A
	if h.pricer == nil {
		http.Error(w, "store does not charge", http.StatusNotFound)
		return
	}
	size, err := strconv.Atoi(r.PathValue("size"))
	if err != nil || size < 0 {
		http.Error(w, "invalid size", http.StatusBadRequest)
		return
	}
	price, err := h.pricer.Price(size)
	if err != nil {
		h.writeError(w, "price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"price": price})
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) { // A
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidID), errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, ErrMissingContentType):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log.Error(op+" failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func decodeTags(header string) ([]Tag, error) { // A
	if header == "" {
		return nil, nil
	}
	var tags []Tag
	if err := json.Unmarshal([]byte(header), &tags); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", HeaderTags, err)
	}
	return tags, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) { // A
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}
