package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/voisinage/internal/config"
	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/push"
)

// ConfigHandler отдаёт публичные параметры конфигурации.
type ConfigHandler struct {
	cfg  *config.Config
	push *push.Client

	mu       sync.Mutex
	vapidKey string
}

// NewConfigHandler создаёт обработчик конфигурации. Если ключ VAPID не задан в конфиге,
// он запрашивается у push-сервиса при первом обращении.
func NewConfigHandler(cfg *config.Config, pushClient *push.Client) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, push: pushClient, vapidKey: cfg.PushVAPIDPublicKey}
}

func (h *ConfigHandler) publicKey(ctx context.Context) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.vapidKey != "" || h.push == nil || !h.push.Enabled() {
		return h.vapidKey
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	key, err := h.push.VAPIDPublicKey(ctx)
	if err != nil {
		logger.Errorf("config: vapid public key: %v", err)
		return ""
	}
	h.vapidKey = key
	return key
}

// GetPushConfig возвращает публичный VAPID-ключ для подписки на пуши (если включены).
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	key := ""
	if h.cfg.PushServiceURL != "" {
		key = h.publicKey(r.Context())
	}
	if key == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":          true,
		"vapid_public_key": key,
	})
}
