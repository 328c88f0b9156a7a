package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/umsync/syncctl/internal/dispatch"
	"github.com/umsync/syncctl/internal/engine"
	"github.com/umsync/syncctl/internal/identity"
)

type fileConfig struct {
	DirectoryFile      string   `toml:"directory_file"`
	GroupFilter        []string `toml:"group_filter"`
	ExtendedAttributes []string `toml:"extended_attributes"`
	LoadAllUsers       bool     `toml:"load_all_users"`

	Mapping map[string][]string `toml:"mapping"`

	UpdateAttributes    bool   `toml:"update_attributes"`
	DefaultCountry      string `toml:"default_country"`
	CreateMissingGroups bool   `toml:"create_missing_groups"`

	StrayPolicy     string `toml:"stray_policy"`
	StrayLimit      string `toml:"stray_limit"`
	StrayListOutput string `toml:"stray_list_output"`
	StrayListInput  string `toml:"stray_list_input"`
	IgnoreStrays    bool   `toml:"ignore_strays"`

	BatchSize        int    `toml:"batch_size"`
	RetryMaxAttempts int    `toml:"retry_max_attempts"`
	RetryFirstDelay  string `toml:"retry_first_delay"`

	MonitorAddr string `toml:"monitor_addr"`
	Every       string `toml:"every"`

	Exclusions exclusionsConfig `toml:"exclusions"`

	AdditionalGroups []additionalGroupConfig `toml:"additional_groups"`
	HookRules        []hookRuleConfig        `toml:"hook_rules"`
	Targets          []targetConfig          `toml:"targets"`
}

type exclusionsConfig struct {
	IdentityTypes    []string `toml:"identity_types"`
	Groups           []string `toml:"groups"`
	UsernamePatterns []string `toml:"username_patterns"`
}

type additionalGroupConfig struct {
	Source string `toml:"source"`
	Target string `toml:"target"`
}

type hookRuleConfig struct {
	Attribute     string            `toml:"attribute"`
	Pattern       string            `toml:"pattern"`
	AddGroups     []string          `toml:"add_groups"`
	RemoveGroups  []string          `toml:"remove_groups"`
	SetAttributes map[string]string `toml:"set_attributes"`
}

type targetConfig struct {
	Name         string `toml:"name"`
	Primary      bool   `toml:"primary"`
	AccountsFile string `toml:"accounts_file"`
	JournalFile  string `toml:"journal_file"`
}

type runConfig struct {
	DirectoryFile string
	Targets       []targetConfig
	Engine        engine.Options
	MonitorAddr   string
	Every         time.Duration
}

func loadRunConfig(path string) (runConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load config: %w", err)
	}

	cfg := runConfig{
		DirectoryFile: strings.TrimSpace(raw.DirectoryFile),
		Targets:       raw.Targets,
		MonitorAddr:   strings.TrimSpace(raw.MonitorAddr),
	}
	if cfg.DirectoryFile == "" && raw.StrayListInput == "" {
		return runConfig{}, fmt.Errorf("config missing directory_file")
	}
	if len(raw.Targets) == 0 {
		return runConfig{}, fmt.Errorf("config missing targets")
	}
	primaries := 0
	for i, t := range raw.Targets {
		if strings.TrimSpace(t.Name) == "" {
			return runConfig{}, fmt.Errorf("targets[%d] missing name", i)
		}
		if strings.TrimSpace(t.AccountsFile) == "" {
			return runConfig{}, fmt.Errorf("targets[%d] missing accounts_file", i)
		}
		if strings.TrimSpace(t.JournalFile) == "" {
			return runConfig{}, fmt.Errorf("targets[%d] missing journal_file", i)
		}
		if t.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return runConfig{}, fmt.Errorf("config needs exactly one primary target, found %d", primaries)
	}

	opts := engine.Options{
		Mapping:             raw.Mapping,
		GroupFilter:         raw.GroupFilter,
		ExtendedAttributes:  raw.ExtendedAttributes,
		LoadAllUsers:        raw.LoadAllUsers,
		UpdateAttributes:    raw.UpdateAttributes,
		DefaultCountry:      strings.TrimSpace(raw.DefaultCountry),
		CreateMissingGroups: raw.CreateMissingGroups,
		IgnoreStrays:        raw.IgnoreStrays,
		StrayListOutput:     strings.TrimSpace(raw.StrayListOutput),
		StrayListInput:      strings.TrimSpace(raw.StrayListInput),
		BatchSize:           raw.BatchSize,
		Backoff:             dispatch.DefaultBackoffConfig(),
	}

	opts.StrayPolicy, err = engine.ParseStrayPolicy(raw.StrayPolicy)
	if err != nil {
		return runConfig{}, err
	}
	if opts.StrayPolicy == engine.StrayWriteToList && opts.StrayListOutput == "" {
		return runConfig{}, fmt.Errorf("stray_policy %q needs stray_list_output", raw.StrayPolicy)
	}

	// The stray ceiling always applies; the default is deliberately small
	// so a directory outage cannot trigger mass deprovisioning.
	opts.StrayLimit = engine.StrayLimit{Count: 200}
	if meta.IsDefined("stray_limit") {
		opts.StrayLimit, err = engine.ParseStrayLimit(raw.StrayLimit)
		if err != nil {
			return runConfig{}, err
		}
	}

	if meta.IsDefined("retry_max_attempts") && raw.RetryMaxAttempts > 0 {
		opts.Backoff.MaxAttempts = raw.RetryMaxAttempts
	}
	if meta.IsDefined("retry_first_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryFirstDelay))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse retry_first_delay: %w", err)
		}
		opts.Backoff.InitialDelay = d
	}

	opts.Exclusions, err = buildExclusions(raw.Exclusions)
	if err != nil {
		return runConfig{}, err
	}
	opts.AdditionalGroups, err = buildAdditionalGroups(raw.AdditionalGroups)
	if err != nil {
		return runConfig{}, err
	}
	opts.Hook, err = buildHook(raw.HookRules)
	if err != nil {
		return runConfig{}, err
	}

	if meta.IsDefined("every") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Every))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse every: %w", err)
		}
		if d < time.Minute {
			return runConfig{}, fmt.Errorf("every must be at least 1m, got %s", d)
		}
		cfg.Every = d
	}

	cfg.Engine = opts
	return cfg, nil
}

func buildExclusions(raw exclusionsConfig) (engine.Exclusions, error) {
	var out engine.Exclusions
	for _, t := range raw.IdentityTypes {
		typ, err := identity.ParseType(t)
		if err != nil {
			return engine.Exclusions{}, fmt.Errorf("exclusions: %w", err)
		}
		out.IdentityTypes = append(out.IdentityTypes, typ)
	}
	out.Groups = raw.Groups
	for _, p := range raw.UsernamePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return engine.Exclusions{}, fmt.Errorf("exclusions: bad username pattern %q: %w", p, err)
		}
		out.UsernamePatterns = append(out.UsernamePatterns, re)
	}
	return out, nil
}

func buildAdditionalGroups(raw []additionalGroupConfig) ([]engine.AdditionalGroupRule, error) {
	var out []engine.AdditionalGroupRule
	for i, r := range raw {
		re, err := regexp.Compile(r.Source)
		if err != nil {
			return nil, fmt.Errorf("additional_groups[%d]: bad source pattern: %w", i, err)
		}
		if strings.TrimSpace(r.Target) == "" {
			return nil, fmt.Errorf("additional_groups[%d]: missing target template", i)
		}
		out = append(out, engine.AdditionalGroupRule{Source: re, TargetTemplate: r.Target})
	}
	return out, nil
}

func buildHook(raw []hookRuleConfig) (engine.Hook, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	hook := &engine.RuleHook{}
	for i, r := range raw {
		if strings.TrimSpace(r.Attribute) == "" {
			return nil, fmt.Errorf("hook_rules[%d]: missing attribute", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("hook_rules[%d]: bad pattern: %w", i, err)
		}
		hook.Rules = append(hook.Rules, engine.HookRule{
			Attribute:     r.Attribute,
			Pattern:       re,
			AddGroups:     r.AddGroups,
			RemoveGroups:  r.RemoveGroups,
			SetAttributes: r.SetAttributes,
		})
	}
	return hook, nil
}
