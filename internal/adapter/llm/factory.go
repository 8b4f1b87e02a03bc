package llm

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/log"
)

// ModeMock selects the mock client for every provider.
const ModeMock = "MOCK"

// FactoryConfig configures provider selection.
type FactoryConfig struct {
	Mode            string
	DefaultProvider string
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// Factory hands out one shared client per provider.
type Factory struct {
	cfg FactoryConfig

	mu      sync.Mutex
	clients map[string]Client
}

// NewFactory creates a factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if strings.EqualFold(cfg.Mode, ModeMock) {
		log.GetLogger().Info("Mode MOCK detected, using mock LLM client")
	}
	return &Factory{cfg: cfg, clients: make(map[string]Client)}
}

// Register installs a client for a provider, replacing any existing one.
func (f *Factory) Register(provider string, c Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[strings.ToLower(provider)] = c
}

// Resolve returns the provider name a request will be served by.
func (f *Factory) Resolve(provider string) string {
	if strings.EqualFold(f.cfg.Mode, ModeMock) {
		return "mock"
	}
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		p = strings.ToLower(f.cfg.DefaultProvider)
	}
	if p == "" {
		p = "mock"
	}
	return p
}

// Client returns the client for a provider; an empty provider means the
// configured default.
func (f *Factory) Client(provider string) (Client, error) {
	p := f.Resolve(provider)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[p]; ok {
		return c, nil
	}

	var c Client
	switch p {
	case "mock":
		c = NewMockClient()
	case "anthropic":
		c = NewAnthropicClient(f.cfg.AnthropicAPIKey)
	case "openai":
		c = NewOpenAIClient(f.cfg.OpenAIAPIKey)
	default:
		return nil, errors.Errorf("unsupported llm provider %q", provider)
	}
	f.clients[p] = c
	return c, nil
}
