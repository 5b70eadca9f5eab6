package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type overlayFile struct {
	Providers []ProviderInfo `yaml:"providers"`
}

// LoadOverlay registers the providers listed in a YAML file, e.g.
//
//	providers:
//	  - name: moonshot
//	    family: openai_compatible
//	    base_url: https://api.moonshot.cn/v1
//	    default_model: moonshot-v1-8k
//	    credential_env: MOONSHOT_API_KEY
//	    pricing: {input: 1.6, cached_input: 0.16, output: 1.6}
//
// Entries with an existing name replace the built-in in place.
func (r *Registry) LoadOverlay(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read provider overlay: %w", err)
	}
	var f overlayFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse provider overlay: %w", err)
	}
	n := 0
	for _, p := range f.Providers {
		if p.Name == "" {
			continue
		}
		switch p.Family {
		case "", FamilyOpenAICompatible, FamilyAnthropic:
		default:
			return n, fmt.Errorf("provider %q: unknown family %q", p.Name, p.Family)
		}
		r.Register(p)
		n++
	}
	return n, nil
}
