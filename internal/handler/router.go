package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/voisinage/internal/middleware"
)

// Router собирает маршруты api.
type Router struct {
	Verifier       *middleware.Verifier
	Limiter        *middleware.RateLimiter
	AllowedOrigins string

	Chat   *ChatHandler
	Posts  *PostHandler
	Files  *FileHandler
	Push   *PushHandler
	Config *ConfigHandler
	WS     *WSHandler
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	origins := newOriginPolicy(rt.AllowedOrigins)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(_ *http.Request, origin string) bool { return origins.allows(origin) },
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if rt.Limiter != nil {
		r.Use(rt.Limiter.ByIP)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	if rt.Config != nil {
		r.Get("/api/config/push", rt.Config.GetPushConfig)
	}
	if rt.Files != nil {
		r.Get("/files/*", rt.Files.Serve)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(rt.Verifier))
		if rt.Limiter != nil {
			r.Use(rt.Limiter.ByUser)
		}

		r.Post("/api/conversations/resolve", rt.Chat.ResolveConversation)
		r.Get("/api/conversations", rt.Chat.ListConversations)
		r.Get("/api/conversations/{id}", rt.Chat.GetConversation)
		r.Get("/api/conversations/{id}/messages", rt.Chat.GetMessages)
		r.Post("/api/conversations/{id}/messages", rt.Chat.SendToConversation)
		r.Post("/api/conversations/{id}/read", rt.Chat.MarkAsRead)
		r.Post("/api/messages", rt.Chat.SendMessage)
		r.Get("/api/unread", rt.Chat.GetUnread)

		if rt.Posts != nil {
			r.Post("/api/posts", rt.Posts.Create)
			r.Get("/api/posts/nearby", rt.Posts.Nearby)
			r.Get("/api/posts/{id}", rt.Posts.Get)
			r.Post("/api/posts/{id}/respond", rt.Posts.Respond)
		}
		if rt.Files != nil {
			r.Post("/api/files/upload", rt.Files.Upload)
		}
		if rt.Push != nil {
			r.Post("/api/push/subscribe", rt.Push.Subscribe)
			r.Delete("/api/push/subscribe", rt.Push.Unsubscribe)
		}
		if rt.WS != nil {
			r.Get("/ws", rt.WS.ServeWS)
		}
	})
	return r
}

// originPolicy — список CORS_ALLOWED_ORIGINS; пустой список или "*" разрешает всех.
// Один и тот же список проверяют CORS и рукопожатие WebSocket.
type originPolicy []string

func newOriginPolicy(s string) originPolicy {
	var out originPolicy
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o == "*" {
			return nil
		} else if o != "" {
			out = append(out, strings.TrimSuffix(o, "/"))
		}
	}
	return out
}

func (p originPolicy) allows(origin string) bool {
	if len(p) == 0 {
		return true
	}
	for _, o := range p {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
