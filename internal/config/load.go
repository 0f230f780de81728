// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"mcroute.dev/mcroute/internal/errors"
)

// LoadFile loads a Config from path, dispatching on extension (".hcl" or
// ".json") the way the teacher's config.LoadFile does; any other extension
// is tried as HCL first, then JSON.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.KindNotFound, "read config file %q", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(data)
	case ".hcl":
		return LoadHCL(data, path)
	default:
		if cfg, hclErr := LoadHCL(data, path); hclErr == nil {
			return cfg, nil
		}
		return LoadJSON(data)
	}
}

// LoadHCL decodes an HCL document into a Config, filling any field the
// document omits from Default().
func LoadHCL(data []byte, filename string) (Config, error) {
	cfg := Default()

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return Config{}, errors.Wrap(diags, errors.KindValidation, "parse HCL config")
	}

	var overlay Config
	if diags := gohcl.DecodeBody(file.Body, nil, &overlay); diags.HasErrors() {
		return Config{}, errors.Wrap(diags, errors.KindValidation, "decode HCL config")
	}
	applyOverlay(&cfg, overlay, file.Body)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadJSON decodes a JSON document into a Config, filling any field the
// document omits from Default().
func LoadJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.KindValidation, "decode JSON config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyOverlay copies every field overlay's document actually set over the
// Default()-seeded cfg. gohcl.DecodeBody zero-fills absent optional fields,
// so a field is only treated as "set" when the body contains its attribute.
func applyOverlay(cfg *Config, overlay Config, body hcl.Body) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return
	}
	set := func(name string) bool {
		_, ok := attrs[name]
		return ok
	}
	if set("schema_version") {
		cfg.SchemaVersion = overlay.SchemaVersion
	}
	if set("robustness") {
		cfg.Robustness = overlay.Robustness
	}
	if set("query_interval") {
		cfg.QueryInterval = overlay.QueryInterval
	}
	if set("query_response_interval") {
		cfg.QueryResponseInterval = overlay.QueryResponseInterval
	}
	if set("startup_query_interval") {
		cfg.StartupQueryInterval = overlay.StartupQueryInterval
	}
	if set("last_member_query_interval") {
		cfg.LastMemberQueryInterval = overlay.LastMemberQueryInterval
	}
	if set("host_binding_default") {
		cfg.HostBindingDefault = overlay.HostBindingDefault
	}
	if set("host_timeout") {
		cfg.HostTimeout = overlay.HostTimeout
	}
	if set("link_weight_interval") {
		cfg.LinkWeightInterval = overlay.LinkWeightInterval
	}
	if set("link_weight_alpha") {
		cfg.LinkWeightAlpha = overlay.LinkWeightAlpha
	}
	if set("link_weight_parts") {
		cfg.LinkWeightParts = overlay.LinkWeightParts
	}
	if set("default_flow_idle") {
		cfg.DefaultFlowIdle = overlay.DefaultFlowIdle
	}
	if set("default_flow_hard") {
		cfg.DefaultFlowHard = overlay.DefaultFlowHard
	}
}

// Validate checks every field resolves to something the component configs
// can use, without yet constructing them.
func (c Config) Validate() error {
	if c.SchemaVersion != "" && c.SchemaVersion != CurrentSchemaVersion {
		return fieldErrorf("schema_version", "unsupported schema version %q (expected %q)", c.SchemaVersion, CurrentSchemaVersion)
	}
	if c.Robustness == 0 {
		return fieldError("robustness", "must be at least 1")
	}
	for field, value := range map[string]string{
		"query_interval":             c.QueryInterval,
		"query_response_interval":    c.QueryResponseInterval,
		"startup_query_interval":     c.StartupQueryInterval,
		"last_member_query_interval": c.LastMemberQueryInterval,
		"host_timeout":               c.HostTimeout,
		"link_weight_interval":       c.LinkWeightInterval,
	} {
		if _, err := parseDuration(field, value); err != nil {
			return err
		}
	}
	if c.LinkWeightAlpha < 0 || c.LinkWeightAlpha > 1 {
		return fieldErrorf("link_weight_alpha", "must be within [0,1], got %v", c.LinkWeightAlpha)
	}
	if c.LinkWeightParts == 0 {
		return fieldError("link_weight_parts", "must be at least 1")
	}
	return nil
}

// SaveFile writes cfg back out, choosing format by path's extension the way
// SaveFile does for the teacher's config package; JSON is the default for
// an unrecognized extension since it needs no schema-aware writer.
func SaveFile(cfg Config, path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return errors.New(errors.KindUnavailable, "writing .hcl config files is not supported; save as .json")
	default:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "marshal config")
		}
		return os.WriteFile(path, data, 0o644)
	}
}

func fieldError(field, msg string) error {
	return errors.Errorf(errors.KindValidation, "config field %q: %s", field, msg)
}

func fieldErrorf(field, format string, args ...any) error {
	return fieldError(field, fmt.Sprintf(format, args...))
}
