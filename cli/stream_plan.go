package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/antmicro/farshow/pkg/codec"
	"github.com/antmicro/farshow/pkg/source"
	"gopkg.in/yaml.v3"
)

// streamPlan is one stream the sender publishes and how it is encoded.
type streamPlan struct {
	spec source.StreamSpec
	enc  codec.EncodeOptions
}

type planDocument struct {
	Version  int          `json:"version" yaml:"version" toml:"version"`
	Source   string       `json:"source" yaml:"source" toml:"source"`
	Fps      *int         `json:"fps" yaml:"fps" toml:"fps"`
	Defaults planEncoding `json:"defaults" yaml:"defaults" toml:"defaults"`
	Streams  []planStream `json:"streams" yaml:"streams" toml:"streams"`
}

type planEncoding struct {
	Format         string `json:"format" yaml:"format" toml:"format"`
	Quality        *int   `json:"quality" yaml:"quality" toml:"quality"`
	PngCompression *int   `json:"png_compression" yaml:"png_compression" toml:"png_compression"`
}

type planStream struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	Variant      string `json:"variant" yaml:"variant" toml:"variant"`
	planEncoding `yaml:",inline"`
}

func loadStreamPlanDocument(path string) (*planDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	format := strings.ToLower(filepath.Ext(path))
	if format != ".yaml" && format != ".yml" && format != ".json" && format != ".toml" {
		format = ".yaml"
	}
	doc, err := decodePlanDocument(data, format)
	if err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported plan version %d", doc.Version)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodePlanDocument(data []byte, format string) (*planDocument, error) {
	var doc planDocument
	switch format {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown plan format %q", format)
	}
	return &doc, nil
}

func (doc *planDocument) validate() error {
	if len(doc.Streams) == 0 {
		return fmt.Errorf("plan declares no streams")
	}
	seen := make(map[string]bool, len(doc.Streams))
	for i, s := range doc.Streams {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("streams[%d] missing name", i)
		}
		if seen[name] {
			return fmt.Errorf("streams[%d] repeats %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

// toPlans resolves every stream's variant and encoding on top of base.
func (doc *planDocument) toPlans(base codec.EncodeOptions) ([]streamPlan, error) {
	defaults, err := applyPlanEncoding(base, doc.Defaults)
	if err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	plans := make([]streamPlan, 0, len(doc.Streams))
	for i, s := range doc.Streams {
		variant, err := source.ParseVariant(s.Variant)
		if err != nil {
			return nil, fmt.Errorf("streams[%d]: %w", i, err)
		}
		enc, err := applyPlanEncoding(defaults, s.planEncoding)
		if err != nil {
			return nil, fmt.Errorf("streams[%d]: %w", i, err)
		}
		plans = append(plans, streamPlan{
			spec: source.StreamSpec{Name: strings.TrimSpace(s.Name), Variant: variant},
			enc:  enc,
		})
	}
	return plans, nil
}

func applyPlanEncoding(target codec.EncodeOptions, e planEncoding) (codec.EncodeOptions, error) {
	if strings.TrimSpace(e.Format) != "" {
		f, err := codec.ParseFormat(e.Format)
		if err != nil {
			return target, err
		}
		target.Format = f
	}
	if e.Quality != nil {
		if *e.Quality < 1 || *e.Quality > 100 {
			return target, fmt.Errorf("quality %d out of [1, 100]", *e.Quality)
		}
		target.Quality = *e.Quality
	}
	if e.PngCompression != nil {
		if *e.PngCompression < 0 || *e.PngCompression > 9 {
			return target, fmt.Errorf("png_compression %d out of [0, 9]", *e.PngCompression)
		}
		target.Compression = *e.PngCompression
	}
	return target, nil
}
