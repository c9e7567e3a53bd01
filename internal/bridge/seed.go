package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/fault"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
)

// ParseAIConfig decodes a persona file. Unknown keys are rejected; keys that
// are left out keep their stored value.
//
//	is_active: true
//	model: gpt-4o-mini
//	temperature: 0.7
//	max_tokens: 1000
//	max_history: 20
//	system_prompt: |
//	  You are the assistant of a bakery. Call the contact {name}.
func ParseAIConfig(data []byte) (AIConfigUpdate, error) {
	var u AIConfigUpdate
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&u); err != nil {
		return AIConfigUpdate{}, fault.Wrap(fault.InvalidInput, "parse ai config", err)
	}
	return u, nil
}

// LoadAIConfigFile reads and decodes a persona file.
func LoadAIConfigFile(path string) (AIConfigUpdate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AIConfigUpdate{}, fmt.Errorf("read ai config: %w", err)
	}
	return ParseAIConfig(data)
}

// SeedAIConfig applies a persona file to the stored configuration.
func (b *Bridge) SeedAIConfig(ctx context.Context, path string) (*store.AIConfig, error) {
	u, err := LoadAIConfigFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := b.UpdateAIConfig(ctx, u)
	if err != nil {
		return nil, err
	}
	b.log.Info("ai config seeded", "file", path)
	return cfg, nil
}
