package posts

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/events"
	"github.com/voisinage/internal/model"
	"github.com/voisinage/internal/objectstore"
	"github.com/voisinage/internal/storage/memory"
)

var (
	owner     = model.Participant{ID: "owner", DisplayName: "Amina"}
	neighbour = model.Participant{ID: "neighbour", DisplayName: "Jules"}
)

// Place de la République, Paris.
const baseLat, baseLng = 48.8674, 2.3634

type brokenObjects struct{ objectstore.Store }

func (brokenObjects) Bucket() string { return "broken" }

func (brokenObjects) Put(context.Context, string, io.Reader, objectstore.Attrs) error {
	return errors.New("bucket offline")
}

func newPosts(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewService(store, chat.NewService(store, nil, nil), opts...), store
}

func validInput() CreateInput {
	return CreateInput{
		Category: model.CategoryGardening,
		Title:    "  Tondre la pelouse ",
		Address:  "12 rue du Temple",
		Lat:      baseLat,
		Lng:      baseLng,
	}
}

func TestCreateStoresPostWithGeohash(t *testing.T) {
	svc, store := newPosts(t)
	res, err := svc.Create(context.Background(), owner, validInput(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "Tondre la pelouse", res.Post.Title)
	assert.Equal(t, model.PostStatusOpen, res.Post.Status)
	assert.Len(t, res.Post.Geohash, GeohashPrecision)
	assert.Equal(t, geohash.EncodeWithPrecision(baseLat, baseLng, GeohashPrecision), res.Post.Geohash)

	got, err := store.GetPost(context.Background(), res.Post.ID)
	require.NoError(t, err)
	assert.Equal(t, owner, got.Owner)
}

func TestCreateValidatesBeforeStoring(t *testing.T) {
	svc, store := newPosts(t)
	ctx := context.Background()
	cases := map[string]func(*CreateInput){
		"missing title":    func(in *CreateInput) { in.Title = "   " },
		"missing address":  func(in *CreateInput) { in.Address = "" },
		"unknown category": func(in *CreateInput) { in.Category = "cooking" },
		"latitude range":   func(in *CreateInput) { in.Lat = 91 },
		"longitude range":  func(in *CreateInput) { in.Lng = -181 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			_, err := svc.Create(ctx, owner, in, nil)
			assert.ErrorIs(t, err, chat.ErrInvalid)
		})
	}
	_, err := svc.Create(ctx, model.Participant{}, validInput(), nil)
	assert.ErrorIs(t, err, chat.ErrInvalid)

	list, err := store.ListPostsByGeohash(ctx, []string{""}, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateWithPhotoUploadsAndPublishes(t *testing.T) {
	objects, err := objectstore.NewLocal(t.TempDir(), "uploads")
	require.NoError(t, err)
	var seen []events.ObjectFinalized
	pub := events.Direct{Handle: func(_ context.Context, ev events.ObjectFinalized) error {
		seen = append(seen, ev)
		return nil
	}}
	svc, store := newPosts(t, WithObjects(objects, pub))

	res, err := svc.Create(context.Background(), owner, validInput(), &Photo{
		Body: strings.NewReader("fake-jpeg"), ContentType: "image/jpeg", FileName: "Jardin.JPG",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	require.True(t, strings.HasPrefix(res.Post.PhotoURL, "/files/posts/"+res.Post.ID+"/"))
	assert.True(t, strings.HasSuffix(res.Post.PhotoURL, ".jpg"))

	stored, err := store.GetPost(context.Background(), res.Post.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Post.PhotoURL, stored.PhotoURL)

	require.Len(t, seen, 1)
	assert.Equal(t, "uploads", seen[0].Bucket)
	assert.Equal(t, strings.TrimPrefix(res.Post.PhotoURL, "/files/"), seen[0].Path)
	assert.Equal(t, int64(len("fake-jpeg")), seen[0].Size)
}

func TestCreatePhotoFailureIsPartial(t *testing.T) {
	svc, store := newPosts(t, WithObjects(brokenObjects{}, nil))
	res, err := svc.Create(context.Background(), owner, validInput(), &Photo{
		Body: strings.NewReader("x"), ContentType: "image/png",
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "photo upload failed")
	assert.Empty(t, res.Post.PhotoURL)

	_, err = store.GetPost(context.Background(), res.Post.ID)
	assert.NoError(t, err)

	noStorage, _ := newPosts(t)
	res, err = noStorage.Create(context.Background(), owner, validInput(), &Photo{Body: strings.NewReader("x"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
}

func TestNearbyFiltersAndSortsByDistance(t *testing.T) {
	svc, _ := newPosts(t)
	ctx := context.Background()
	mk := func(title string, lat, lng float64, cat model.Category) string {
		in := validInput()
		in.Title, in.Lat, in.Lng, in.Category = title, lat, lng, cat
		res, err := svc.Create(ctx, owner, in, nil)
		require.NoError(t, err)
		return res.Post.ID
	}
	near := mk("near", baseLat+0.002, baseLng, model.CategoryGardening)
	closer := mk("closer", baseLat+0.0005, baseLng, model.CategoryRepair)
	mk("far", baseLat+0.2, baseLng, model.CategoryGardening)
	mk("other city", 45.764, 4.8357, model.CategoryGardening)

	list, err := svc.Nearby(ctx, NearbyQuery{Lat: baseLat, Lng: baseLng, RadiusKm: 1})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, closer, list[0].ID)
	assert.Equal(t, near, list[1].ID)
	assert.InDelta(t, 0.055, list[0].DistanceKm, 0.01)

	list, err = svc.Nearby(ctx, NearbyQuery{Lat: baseLat, Lng: baseLng, RadiusKm: 1, Category: model.CategoryGardening})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, near, list[0].ID)

	list, err = svc.Nearby(ctx, NearbyQuery{Lat: baseLat, Lng: baseLng})
	require.NoError(t, err)
	assert.Len(t, list, 2, "default radius")

	_, err = svc.Nearby(ctx, NearbyQuery{Lat: baseLat, Lng: baseLng, RadiusKm: 500})
	assert.ErrorIs(t, err, chat.ErrInvalid)
	_, err = svc.Nearby(ctx, NearbyQuery{Lat: 100, Lng: baseLng, RadiusKm: 1})
	assert.ErrorIs(t, err, chat.ErrInvalid)
}

func TestNearbyAcrossCellBoundary(t *testing.T) {
	svc, _ := newPosts(t)
	ctx := context.Background()
	cell := geohash.EncodeWithPrecision(baseLat, baseLng, precisionFor(baseLat, 2))
	box := geohash.BoundingBox(cell)

	// Точка у восточной границы ячейки и объявление сразу за ней.
	lat, lng := (box.MinLat+box.MaxLat)/2, box.MaxLng-0.0005
	in := validInput()
	in.Lat, in.Lng = lat, box.MaxLng+0.0005
	res, err := svc.Create(ctx, owner, in, nil)
	require.NoError(t, err)

	list, err := svc.Nearby(ctx, NearbyQuery{Lat: lat, Lng: lng, RadiusKm: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.Post.ID, list[0].ID)
}

func TestPrecisionFor(t *testing.T) {
	assert.Equal(t, uint(9), precisionFor(0, 0.001))
	assert.Equal(t, uint(5), precisionFor(0, 4))
	assert.Equal(t, uint(4), precisionFor(48.8, 4), "cells narrow away from the equator")
	assert.Equal(t, uint(1), precisionFor(0, 20000))
	assert.InDelta(t, 392, haversineKm(48.8566, 2.3522, 45.764, 4.8357), 5)
}

func TestRespondOpensConversationWithOwner(t *testing.T) {
	svc, store := newPosts(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, owner, validInput(), nil)
	require.NoError(t, err)

	res, err := svc.Respond(ctx, neighbour, created.Post.ID, "Bonjour, je peux aider samedi")
	require.NoError(t, err)
	assert.Equal(t, created.Post.ID, res.Conversation.PostID)
	assert.ElementsMatch(t, []string{owner.ID, neighbour.ID}, res.Conversation.ParticipantIDs)
	assert.Equal(t, 1, res.Conversation.UnreadCounts[owner.ID])

	again, err := svc.Respond(ctx, neighbour, created.Post.ID, "Je confirme")
	require.NoError(t, err)
	assert.Equal(t, res.Conversation.ID, again.Conversation.ID)

	total, err := store.UnreadTotal(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestRespondRejections(t *testing.T) {
	svc, _ := newPosts(t, WithClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }))
	ctx := context.Background()
	created, err := svc.Create(ctx, owner, validInput(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2026, created.Post.CreatedAt.Year())

	_, err = svc.Respond(ctx, owner, created.Post.ID, "moi-même")
	assert.ErrorIs(t, err, chat.ErrInvalid)
	_, err = svc.Respond(ctx, neighbour, "missing", "hello")
	assert.ErrorIs(t, err, chat.ErrNotFound)
	_, err = svc.Respond(ctx, neighbour, created.Post.ID, "  ")
	assert.ErrorIs(t, err, chat.ErrInvalid)
}
