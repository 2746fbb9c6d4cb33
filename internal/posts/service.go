// Package posts — объявления с просьбами о помощи: создание с фото, поиск рядом, отклик в чат.
package posts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mmcloughlin/geohash"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/events"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
	"github.com/voisinage/internal/objectstore"
)

// GeohashPrecision — точность geohash, с которой объявление сохраняется (ячейка ~5 м).
const GeohashPrecision = 9

const (
	DefaultRadiusKm = 5.0
	MaxRadiusKm     = 100.0
)

type Store interface {
	CreatePost(ctx context.Context, p *model.Post) error
	SetPostPhoto(ctx context.Context, id, url string) error
	GetPost(ctx context.Context, id string) (*model.Post, error)
	// ListPostsByGeohash — открытые объявления, чей geohash начинается с любого из префиксов.
	ListPostsByGeohash(ctx context.Context, prefixes []string, category model.Category) ([]model.Post, error)
}

// Messenger — отправка сообщения с разрешением беседы (chat.Service).
type Messenger interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (*chat.SendResult, error)
}

type Service struct {
	store     Store
	objects   objectstore.Store
	events    events.Publisher
	messenger Messenger
	validate  *validator.Validate
	urlFor    func(objectPath string) string
	now       func() time.Time
}

type Option func(*Service)

// WithObjects включает загрузку фото. pub получает событие о каждом записанном объекте.
func WithObjects(objects objectstore.Store, pub events.Publisher) Option {
	return func(s *Service) {
		s.objects = objects
		s.events = pub
	}
}

// WithPublicURL задаёт внешний адрес объекта; по умолчанию /files/<path>.
func WithPublicURL(fn func(objectPath string) string) Option {
	return func(s *Service) { s.urlFor = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, messenger Messenger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		messenger: messenger,
		validate:  validator.New(),
		urlFor:    func(p string) string { return "/files/" + p },
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type CreateInput struct {
	Category    model.Category `json:"category" validate:"required,oneof=gardening repair childcare moving shopping petcare other"`
	Title       string         `json:"title" validate:"required,max=120"`
	Description string         `json:"description" validate:"max=4000"`
	Address     string         `json:"address" validate:"required,max=300"`
	Lat         float64        `json:"lat" validate:"gte=-90,lte=90"`
	Lng         float64        `json:"lng" validate:"gte=-180,lte=180"`
}

// Photo — необязательное фото объявления.
type Photo struct {
	Body        io.Reader
	ContentType string
	FileName    string
}

// CreateResult — сохранённое объявление; Warnings непуст, если фото не удалось приложить.
type CreateResult struct {
	Post     *model.Post `json:"post"`
	Warnings []string    `json:"warnings,omitempty"`
}

func (s *Service) Create(ctx context.Context, owner model.Participant, in CreateInput, photo *Photo) (*CreateResult, error) {
	defer logger.DeferLogDuration("posts.Create", time.Now())()
	if owner.ID == "" {
		return nil, fmt.Errorf("%w: owner required", chat.ErrInvalid)
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Address = strings.TrimSpace(in.Address)
	in.Description = strings.TrimSpace(in.Description)
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	p := &model.Post{
		ID:          uuid.New().String(),
		Owner:       owner,
		Category:    in.Category,
		Title:       in.Title,
		Description: in.Description,
		Address:     in.Address,
		Lat:         in.Lat,
		Lng:         in.Lng,
		Geohash:     geohash.EncodeWithPrecision(in.Lat, in.Lng, GeohashPrecision),
		Status:      model.PostStatusOpen,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreatePost(ctx, p); err != nil {
		return nil, chat.Classify("posts.Create", err)
	}

	res := &CreateResult{Post: p}
	if photo != nil {
		if warn := s.attachPhoto(ctx, p, photo); warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
	}
	return res, nil
}

// attachPhoto загружает фото уже сохранённого объявления. Возвращает предупреждение вместо ошибки:
// объявление существует независимо от фото.
func (s *Service) attachPhoto(ctx context.Context, p *model.Post, photo *Photo) string {
	if s.objects == nil {
		return "photo storage unavailable, post saved without photo"
	}
	if !strings.HasPrefix(photo.ContentType, "image/") {
		return "photo is not an image, post saved without photo"
	}
	objectPath := fmt.Sprintf("posts/%s/%s%s", p.ID, uuid.New().String(), photoExt(photo))
	err := s.objects.Put(ctx, objectPath, photo.Body, objectstore.Attrs{
		ContentType: photo.ContentType,
		Metadata:    map[string]string{"postId": p.ID, "ownerId": p.Owner.ID},
	})
	if err != nil {
		logger.Errorf("posts: upload photo for %s: %v", p.ID, err)
		return "photo upload failed, post saved without photo"
	}
	url := s.urlFor(objectPath)
	if err := s.store.SetPostPhoto(ctx, p.ID, url); err != nil {
		logger.Errorf("posts: attach photo to %s: %v", p.ID, err)
		return "photo uploaded but not attached to the post"
	}
	p.PhotoURL = url

	if s.events != nil {
		ev := events.ObjectFinalized{
			Bucket:      s.objects.Bucket(),
			Path:        objectPath,
			ContentType: photo.ContentType,
			FinalizedAt: s.now().UTC(),
		}
		if attrs, err := s.objects.Stat(ctx, objectPath); err == nil {
			ev.Size = attrs.Size
		}
		if err := s.events.PublishFinalized(ctx, ev); err != nil {
			logger.Warnf("posts: finalize event for %s: %v", objectPath, err)
		}
	}
	return ""
}

func photoExt(photo *Photo) string {
	if ext := strings.ToLower(path.Ext(photo.FileName)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(photo.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

func (s *Service) Get(ctx context.Context, id string) (*model.Post, error) {
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, chat.Classify("posts.Get", err)
	}
	return p, nil
}

type NearbyQuery struct {
	Lat      float64        `validate:"gte=-90,lte=90"`
	Lng      float64        `validate:"gte=-180,lte=180"`
	RadiusKm float64        `validate:"gt=0,lte=100"`
	Category model.Category `validate:"omitempty,oneof=gardening repair childcare moving shopping petcare other"`
}

// Nearby возвращает открытые объявления в радиусе от точки, ближайшие первыми.
func (s *Service) Nearby(ctx context.Context, q NearbyQuery) ([]model.NearbyPost, error) {
	defer logger.DeferLogDuration("posts.Nearby", time.Now())()
	if q.RadiusKm == 0 {
		q.RadiusKm = DefaultRadiusKm
	}
	if err := s.validate.Struct(q); err != nil {
		return nil, validationError(err)
	}

	candidates, err := s.store.ListPostsByGeohash(ctx, searchCells(q.Lat, q.Lng, q.RadiusKm), q.Category)
	if err != nil {
		return nil, chat.Classify("posts.Nearby", err)
	}
	out := make([]model.NearbyPost, 0, len(candidates))
	for _, p := range candidates {
		d := haversineKm(q.Lat, q.Lng, p.Lat, p.Lng)
		if d > q.RadiusKm {
			continue
		}
		out = append(out, model.NearbyPost{Post: p, DistanceKm: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Respond открывает (или находит) беседу автора объявления с откликнувшимся и отправляет первое сообщение.
func (s *Service) Respond(ctx context.Context, responder model.Participant, postID, text string) (*chat.SendResult, error) {
	defer logger.DeferLogDuration("posts.Respond", time.Now())()
	p, err := s.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if p.Owner.ID == responder.ID {
		return nil, fmt.Errorf("%w: cannot respond to own post", chat.ErrInvalid)
	}
	if p.Status != model.PostStatusOpen {
		return nil, fmt.Errorf("%w: post is closed", chat.ErrInvalid)
	}
	return s.messenger.SendMessage(ctx, chat.SendRequest{
		PostID:     p.ID,
		Sender:     responder,
		Recipients: []model.Participant{p.Owner},
		Type:       model.MessageTypeText,
		Text:       text,
	})
}

// validationError сводит ошибки validator к одной ErrInvalid с перечнем полей.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", chat.ErrInvalid, err)
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			parts = append(parts, strings.ToLower(fe.Field())+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", strings.ToLower(fe.Field()), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("%w: %s", chat.ErrInvalid, strings.Join(parts, "; "))
}
