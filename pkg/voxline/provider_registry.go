package voxline

import (
	"fmt"
	"strings"

	"github.com/voxline/voxline/pkg/adapters/agent"
	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/adapters/tts"
	"github.com/voxline/voxline/pkg/configutil"
	"github.com/voxline/voxline/pkg/providers/deepgram"
	"github.com/voxline/voxline/pkg/providers/elevenlabs"
	"github.com/voxline/voxline/pkg/providers/mock"
	"github.com/voxline/voxline/pkg/providers/openai"
)

type STTFactory func(settings map[string]any, callID string) (stt.Transcriber, error)
type TTSFactory func(settings map[string]any, callID string) (tts.Speaker, error)
type AgentFactory func(settings map[string]any, callID string) (agent.Responder, error)

// ProviderRegistry maps vendor names from config to adapter constructors.
type ProviderRegistry struct {
	stt map[string]STTFactory
	tts map[string]TTSFactory
	agt map[string]AgentFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactory),
		tts: make(map[string]TTSFactory),
		agt: make(map[string]AgentFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterAgent(name string, factory AgentFactory) {
	r.agt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(vendor VendorConfig, callID string) (stt.Transcriber, error) {
	fn := r.stt[normalizeName(vendor.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", vendor.Provider)
	}
	return fn(vendor.Settings, callID)
}

func (r *ProviderRegistry) BuildTTS(vendor VendorConfig, callID string) (tts.Speaker, error) {
	fn := r.tts[normalizeName(vendor.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", vendor.Provider)
	}
	return fn(vendor.Settings, callID)
}

func (r *ProviderRegistry) BuildAgent(vendor VendorConfig, callID string) (agent.Responder, error) {
	fn := r.agt[normalizeName(vendor.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("agent provider not registered: %s", vendor.Provider)
	}
	return fn(vendor.Settings, callID)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultRegistry registers the built-in providers.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT("mock", func(settings map[string]any, callID string) (stt.Transcriber, error) {
		var cfg mock.STTConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.NewTranscriber(cfg), nil
	})
	r.RegisterSTT("deepgram", func(settings map[string]any, callID string) (stt.Transcriber, error) {
		if err := configutil.ValidateSettings(settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding", "interim"},
		}); err != nil {
			return nil, err
		}
		var cfg deepgram.Config
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		cfg.CallID = callID
		return deepgram.New(cfg), nil
	})

	r.RegisterTTS("mock", func(settings map[string]any, callID string) (tts.Speaker, error) {
		var cfg mock.TTSConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.NewSpeaker(cfg), nil
	})
	r.RegisterTTS("elevenlabs", func(settings map[string]any, callID string) (tts.Speaker, error) {
		if err := configutil.ValidateSettings(settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "sample_rate"},
		}); err != nil {
			return nil, err
		}
		var cfg elevenlabs.Config
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		cfg.CallID = callID
		return elevenlabs.New(cfg), nil
	})

	r.RegisterAgent("mock", func(settings map[string]any, callID string) (agent.Responder, error) {
		var cfg mock.AgentConfig
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		return mock.NewResponder(cfg), nil
	})
	r.RegisterAgent("openai", func(settings map[string]any, callID string) (agent.Responder, error) {
		if err := configutil.ValidateSettings(settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url"},
		}); err != nil {
			return nil, err
		}
		var cfg openai.Config
		if err := configutil.DecodeSettings(settings, &cfg); err != nil {
			return nil, err
		}
		cfg.CallID = callID
		return openai.New(cfg), nil
	})

	return r
}
