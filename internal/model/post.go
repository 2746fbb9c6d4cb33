package model

import "time"

type Category string

const (
	CategoryGardening Category = "gardening"
	CategoryRepair    Category = "repair"
	CategoryChildcare Category = "childcare"
	CategoryMoving    Category = "moving"
	CategoryShopping  Category = "shopping"
	CategoryPetcare   Category = "petcare"
	CategoryOther     Category = "other"
)

type PostStatus string

const (
	PostStatusOpen   PostStatus = "open"
	PostStatusClosed PostStatus = "closed"
)

// Post — объявление с просьбой о помощи.
type Post struct {
	ID          string      `json:"id"`
	Owner       Participant `json:"owner"`
	Category    Category    `json:"category"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Address     string      `json:"address"`
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	Geohash     string      `json:"geohash"`
	PhotoURL    string      `json:"photo_url,omitempty"`
	Status      PostStatus  `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NearbyPost — объявление с расстоянием до точки поиска.
type NearbyPost struct {
	Post
	DistanceKm float64 `json:"distance_km"`
}
