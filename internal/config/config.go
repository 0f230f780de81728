// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the controller's tunables from an HCL (or JSON)
// document into a Config struct, then resolves that struct into the
// concrete per-component config types (groupmgr.Config, linkload.Config,
// hosttrack.Option) the rest of the module actually consumes.
package config

import (
	"time"

	"mcroute.dev/mcroute/internal/groupmgr"
	"mcroute.dev/mcroute/internal/hosttrack"
	"mcroute.dev/mcroute/internal/install"
	"mcroute.dev/mcroute/internal/linkload"
	"mcroute.dev/mcroute/internal/netaddr"
)

// CurrentSchemaVersion is the only schema version this build understands.
const CurrentSchemaVersion = "1.0"

// Config is the top-level controller configuration. Durations are written
// as Go duration strings ("125s", "1m5s") the way the rest of the pack's
// HCL configs represent human-facing time fields.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// IGMP router state machine (spec.md §4.5, RFC 3376 §8's default constants).
	Robustness              uint8  `hcl:"robustness,optional" json:"robustness,omitempty"`
	QueryInterval           string `hcl:"query_interval,optional" json:"query_interval,omitempty"`
	QueryResponseInterval   string `hcl:"query_response_interval,optional" json:"query_response_interval,omitempty"`
	StartupQueryInterval    string `hcl:"startup_query_interval,optional" json:"startup_query_interval,omitempty"`
	LastMemberQueryInterval string `hcl:"last_member_query_interval,optional" json:"last_member_query_interval,omitempty"`

	// Host-IP location tracking (C3).
	HostBindingDefault int    `hcl:"host_binding_default,optional" json:"host_binding_default,omitempty"`
	HostTimeout        string `hcl:"host_timeout,optional" json:"host_timeout,omitempty"`

	// Link-load sampling/quantization (C2).
	LinkWeightInterval string  `hcl:"link_weight_interval,optional" json:"link_weight_interval,omitempty"`
	LinkWeightAlpha    float64 `hcl:"link_weight_alpha,optional" json:"link_weight_alpha,omitempty"`
	LinkWeightParts    uint32  `hcl:"link_weight_parts,optional" json:"link_weight_parts,omitempty"`

	// Route installer (C7) flow-mod timeouts, in seconds (OpenFlow's own
	// idle_timeout/hard_timeout fields are native uint16 seconds, so no
	// duration-string parsing is needed here).
	DefaultFlowIdle uint16 `hcl:"default_flow_idle,optional" json:"default_flow_idle,omitempty"`
	DefaultFlowHard uint16 `hcl:"default_flow_hard,optional" json:"default_flow_hard,omitempty"`
}

// Default returns RFC 3376's default constants plus this module's own
// defaults for the host-tracking, link-weight and installer knobs spec.md
// leaves to implementation discretion.
func Default() Config {
	return Config{
		SchemaVersion: CurrentSchemaVersion,

		Robustness:              2,
		QueryInterval:           "125s",
		QueryResponseInterval:   "10s",
		StartupQueryInterval:    "30s",
		LastMemberQueryInterval: "1s",

		HostBindingDefault: 1,
		HostTimeout:        "300s",

		LinkWeightInterval: "10s",
		LinkWeightAlpha:    0,
		LinkWeightParts:    10,

		DefaultFlowIdle: 300,
		DefaultFlowHard: 300,
	}
}

// GroupMgrConfig resolves the IGMP fields into a groupmgr.Config.
// GroupMembershipInterval is deliberately not an independent config field
// (see DESIGN.md): groupmgr always derives it from Robustness, QueryInterval
// and QueryResponseInterval per RFC 3376 §8.1, so there is nothing here to
// override without risking the two going out of sync.
func (c Config) GroupMgrConfig() (groupmgr.Config, error) {
	query, err := parseDuration("query_interval", c.QueryInterval)
	if err != nil {
		return groupmgr.Config{}, err
	}
	response, err := parseDuration("query_response_interval", c.QueryResponseInterval)
	if err != nil {
		return groupmgr.Config{}, err
	}
	startup, err := parseDuration("startup_query_interval", c.StartupQueryInterval)
	if err != nil {
		return groupmgr.Config{}, err
	}
	lastMember, err := parseDuration("last_member_query_interval", c.LastMemberQueryInterval)
	if err != nil {
		return groupmgr.Config{}, err
	}
	return groupmgr.Config{
		Robustness:              c.Robustness,
		QueryInterval:           query,
		QueryResponseInterval:   response,
		StartupQueryInterval:    startup,
		LastMemberQueryInterval: lastMember,
	}, nil
}

// LinkLoadConfig resolves the link-weight fields into a linkload.Config.
func (c Config) LinkLoadConfig() (linkload.Config, error) {
	interval, err := parseDuration("link_weight_interval", c.LinkWeightInterval)
	if err != nil {
		return linkload.Config{}, err
	}
	lc := linkload.DefaultConfig()
	lc.Interval = interval
	lc.Alpha = c.LinkWeightAlpha
	lc.Parts = c.LinkWeightParts
	return lc, nil
}

// HostTrackOptions resolves the host-tracking fields into hosttrack.Options.
func (c Config) HostTrackOptions() ([]hosttrack.Option, error) {
	timeout, err := parseDuration("host_timeout", c.HostTimeout)
	if err != nil {
		return nil, err
	}
	limit := c.HostBindingDefault
	return []hosttrack.Option{
		hosttrack.WithTimeout(timeout),
		hosttrack.WithBindingLimit(func(netaddr.IpV4) int { return limit }),
	}, nil
}

// InstallConfig resolves the installer's flow-mod timeout fields into an
// install.Config.
func (c Config) InstallConfig() install.Config {
	return install.Config{FlowIdle: c.DefaultFlowIdle, FlowHard: c.DefaultFlowHard}
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, fieldError(field, "must not be empty")
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fieldErrorf(field, "invalid duration %q: %v", value, err)
	}
	return d, nil
}
