package handler

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/voisinage/internal/middleware"
	"github.com/voisinage/internal/model"
	"github.com/voisinage/internal/posts"
)

// PostHandler — объявления: создание (JSON или multipart с фото), поиск рядом, отклик.
type PostHandler struct {
	posts         *posts.Service
	maxUploadSize int64
}

func NewPostHandler(svc *posts.Service, maxUploadSize int64) *PostHandler {
	return &PostHandler{posts: svc, maxUploadSize: maxUploadSize}
}

type RespondRequest struct {
	Text string `json:"text"`
}

func (h *PostHandler) Create(w http.ResponseWriter, r *http.Request) {
	var (
		in    posts.CreateInput
		photo *posts.Photo
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
		if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "photo too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		var ok bool
		if in, ok = formInput(r); !ok {
			writeError(w, http.StatusBadRequest, "lat and lng must be numbers")
			return
		}
		file, header, err := r.FormFile("photo")
		switch {
		case err == nil:
			defer file.Close()
			photo = &posts.Photo{Body: file, ContentType: header.Header.Get("Content-Type"), FileName: header.Filename}
		case !errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, "invalid photo")
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	res, err := h.posts.Create(r.Context(), middleware.GetParticipant(r.Context()), in, photo)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func formInput(r *http.Request) (posts.CreateInput, bool) {
	in := posts.CreateInput{
		Category:    model.Category(strings.TrimSpace(r.FormValue("category"))),
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Address:     r.FormValue("address"),
	}
	var err error
	if in.Lat, err = strconv.ParseFloat(strings.TrimSpace(r.FormValue("lat")), 64); err != nil {
		return in, false
	}
	if in.Lng, err = strconv.ParseFloat(strings.TrimSpace(r.FormValue("lng")), 64); err != nil {
		return in, false
	}
	return in, true
}

func (h *PostHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.posts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PostHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("lat") == "" || r.URL.Query().Get("lng") == "" {
		writeError(w, http.StatusBadRequest, "lat and lng required")
		return
	}
	lat, ok1 := queryFloat(r, "lat", 0)
	lng, ok2 := queryFloat(r, "lng", 0)
	radius, ok3 := queryFloat(r, "radius_km", posts.DefaultRadiusKm)
	if !ok1 || !ok2 || !ok3 {
		writeError(w, http.StatusBadRequest, "lat, lng and radius_km must be numbers")
		return
	}
	list, err := h.posts.Nearby(r.Context(), posts.NearbyQuery{
		Lat:      lat,
		Lng:      lng,
		RadiusKm: radius,
		Category: model.Category(r.URL.Query().Get("category")),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Respond открывает беседу с автором объявления и отправляет первое сообщение.
func (h *PostHandler) Respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	res, err := h.posts.Respond(r.Context(), middleware.GetParticipant(r.Context()), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
