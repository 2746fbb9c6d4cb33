package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voisinage/internal/chat"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
)

type PostStore struct {
	pool *pgxpool.Pool
}

func NewPostStore(pool *pgxpool.Pool) *PostStore {
	return &PostStore{pool: pool}
}

const postColumns = `id::text, owner_id, owner_name, owner_avatar, category, title, description, address,
	lat, lng, geohash, photo_url, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var category, status string
	err := row.Scan(&p.ID, &p.Owner.ID, &p.Owner.DisplayName, &p.Owner.AvatarURL, &category, &p.Title,
		&p.Description, &p.Address, &p.Lat, &p.Lng, &p.Geohash, &p.PhotoURL, &status, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Category = model.Category(category)
	p.Status = model.PostStatus(status)
	return p, nil
}

func (r *PostStore) CreatePost(ctx context.Context, p *model.Post) error {
	defer logger.DeferLogDuration("post.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO posts (id, owner_id, owner_name, owner_avatar, category, title, description, address,
		                    lat, lng, geohash, photo_url, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.Owner.ID, p.Owner.DisplayName, p.Owner.AvatarURL, string(p.Category), p.Title, p.Description,
		p.Address, p.Lat, p.Lng, p.Geohash, p.PhotoURL, string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postRepo.Create: %w", err)
	}
	return nil
}

func (r *PostStore) SetPostPhoto(ctx context.Context, id, url string) error {
	defer logger.DeferLogDuration("post.SetPhoto", time.Now())()
	if _, err := uuid.Parse(id); err != nil {
		return chat.ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `UPDATE posts SET photo_url = $1 WHERE id = $2`, url, id)
	if err != nil {
		return fmt.Errorf("postRepo.SetPhoto: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func (r *PostStore) GetPost(ctx context.Context, id string) (*model.Post, error) {
	defer logger.DeferLogDuration("post.Get", time.Now())()
	if _, err := uuid.Parse(id); err != nil {
		return nil, chat.ErrNotFound
	}
	p, err := scanPost(r.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("postRepo.Get: %w", notFound(err))
	}
	return p, nil
}

// ListPostsByGeohash возвращает открытые объявления, чей geohash начинается с одного из префиксов.
// LIKE 'prefix%' использует индекс text_pattern_ops.
func (r *PostStore) ListPostsByGeohash(ctx context.Context, prefixes []string, category model.Category) ([]model.Post, error) {
	defer logger.DeferLogDuration("post.ListByGeohash", time.Now())()
	if len(prefixes) == 0 {
		return nil, nil
	}
	args := []any{string(category)}
	likes := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		args = append(args, prefix+"%")
		likes = append(likes, "geohash LIKE $"+strconv.Itoa(len(args)))
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE status = 'open' AND ($1::text = '' OR category = $1) AND (`+strings.Join(likes, " OR ")+`)
		 ORDER BY created_at DESC
		 LIMIT 500`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("postRepo.ListByGeohash query: %w", err)
	}
	defer rows.Close()

	var out []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("postRepo.ListByGeohash scan: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postRepo.ListByGeohash rows: %w", err)
	}
	return out, nil
}
