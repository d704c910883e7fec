package service

import (
	"sync"

	"github.com/metaaggregator/escrowgate/internal/config"
	"github.com/metaaggregator/escrowgate/internal/model"
	"golang.org/x/time/rate"
)

// ClientRegistry 管理调用方信息以及限流器
type ClientRegistry struct {
	mu        sync.RWMutex
	clients   map[string]*model.Client // Key: Gateway ApiKey
	limiters  map[string]*rate.Limiter // Key: ClientID
	anonymous *model.Client
	defRate   model.RateLimitConfig
}

func NewClientRegistry(cfg *config.Config) *ClientRegistry {
	r := &ClientRegistry{
		clients:  make(map[string]*model.Client),
		limiters: make(map[string]*rate.Limiter),
		defRate: model.RateLimitConfig{
			QPS:   cfg.Auth.DefaultQPS,
			Burst: cfg.Auth.DefaultBurst,
		},
	}

	for _, clientCfg := range cfg.Auth.Clients {
		r.Register(&model.Client{
			ID:     clientCfg.ID,
			Name:   clientCfg.Name,
			APIKey: clientCfg.APIKey,
			Rate: model.RateLimitConfig{
				QPS:   chooseFloat(r.defRate.QPS, clientCfg.QPS),
				Burst: chooseInt(r.defRate.Burst, clientCfg.Burst),
			},
		})
	}

	// API key 可选时, 未认证请求共享一个匿名调用方 (及其限流器)
	if !cfg.Auth.RequireAPIKey {
		anon := &model.Client{
			ID:   model.AnonymousClientID,
			Name: "Anonymous",
			Rate: r.defRate,
		}
		r.mu.Lock()
		r.anonymous = anon
		r.limiters[anon.ID] = newLimiter(anon.Rate)
		r.mu.Unlock()
	}
	return r
}

func (r *ClientRegistry) Register(c *model.Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.APIKey] = c
	r.limiters[c.ID] = newLimiter(c.Rate)
}

func newLimiter(cfg model.RateLimitConfig) *rate.Limiter {
	// 配置为0时不限流
	limit := rate.Limit(cfg.QPS)
	if limit == 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

func (r *ClientRegistry) GetByAPIKey(apiKey string) (*model.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[apiKey]
	return c, ok
}

// Anonymous returns the shared unauthenticated client, or nil when API
// keys are required.
func (r *ClientRegistry) Anonymous() *model.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.anonymous
}

// Limiter 获取调用方的限流器
func (r *ClientRegistry) Limiter(clientID string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[clientID]
}

func (r *ClientRegistry) List() []*model.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func chooseFloat(base, override float64) float64 {
	if override > 0 {
		return override
	}
	return base
}

func chooseInt(base, override int) int {
	if override > 0 {
		return override
	}
	return base
}
