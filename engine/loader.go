package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"regexp"

	"gopkg.in/yaml.v3"
)

// LoadError names the offending layer, rule, and field for a configuration
// failure, per §4.1: load errors must be precise enough for an operator to
// fix the file without guessing.
type LoadError struct {
	Layer string
	Rule  string
	Field string
	Cause error
}

func (e *LoadError) Error() string {
	path := e.Layer
	if e.Rule != "" {
		path += ":rules[" + e.Rule + "]"
	}

	if e.Field != "" {
		path += "." + e.Field
	}

	return fmt.Sprintf("%s: %v", path, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

func loadErr(layer, rule, field string, cause error) *LoadError {
	return &LoadError{Layer: layer, Rule: rule, Field: field, Cause: cause}
}

// LoadInputs bundles the three YAML layers the loader consumes. The loader
// itself never touches the filesystem (that is the rule cache's job, so
// loading stays unit-testable); callers supply the raw bytes.
type LoadInputs struct {
	// Defaults is the compiled-in base layer. May be nil/empty.
	Defaults []byte
	// Global is the optional user-wide layer. May carry an `overrides` block.
	Global []byte
	// Repo is the optional project layer. May not carry `overrides`.
	Repo []byte
}

// ruleDoc and friends are the neutral YAML document shapes the loader
// decodes before building the strict, typed Condition/Rule/RuleSet forms.
type ruleFileDoc struct {
	Rules     []ruleDoc     `yaml:"rules"`
	Overrides []overrideDoc `yaml:"overrides"`
}

type ruleDoc struct {
	Name          string          `yaml:"name"`
	Commands      []string        `yaml:"commands"`
	Directory     string          `yaml:"directory"`
	Context       string          `yaml:"context"`
	Conditions    []conditionDoc  `yaml:"conditions"`
	Action        string          `yaml:"action"`
	AllowOverride bool            `yaml:"allow_override"`
	RedirectTo    string          `yaml:"redirect_to"`
	Message       string          `yaml:"message"`
	Disabled      bool            `yaml:"disabled"`
}

type overrideDoc struct {
	Name     string  `yaml:"name"`
	Disabled *bool   `yaml:"disabled"`
	Action   *string `yaml:"action"`
	Message  *string `yaml:"message"`
}

// conditionDoc is the tagged-object encoding of a Condition: {type: "...", ...}.
// All variant fields are optional here; buildCondition reads the fields its
// type uses and does not reject a missing one (an absent pattern compiles to
// the empty regex, which matches every input). Value is decoded as a raw
// yaml.Node rather than a fixed Go type because §6.3's single `value:` key
// is polymorphic across variants: a bool for in_git_repo, a string for
// env_equals. buildCondition resolves it to the concrete type the variant
// needs.
type conditionDoc struct {
	Type     string     `yaml:"type"`
	Pattern  string     `yaml:"pattern"`
	Contains string     `yaml:"contains"`
	Prefix   string     `yaml:"startswith"`
	Branches []string   `yaml:"branches"`
	Value    *yaml.Node `yaml:"value"`
	Path     string     `yaml:"path"`
	Variable string     `yaml:"variable"`
}

// Load transforms the three layers into a single immutable RuleSet,
// following §4.1's algorithm: parse, concatenate, apply overrides, drop
// disabled rules, compile regexes, build indexes, fingerprint.
func Load(inputs LoadInputs) (*RuleSet, error) {
	var accumulated []*Rule

	accumulated, err := appendLayer(accumulated, inputs.Defaults, SourceLayerDefault, "default")
	if err != nil {
		return nil, err
	}

	globalOverrides, err := parseOverrides(inputs.Global, "global")
	if err != nil {
		return nil, err
	}

	accumulated, err = appendLayer(accumulated, inputs.Global, SourceLayerGlobal, "global")
	if err != nil {
		return nil, err
	}

	if hasOverridesBlock(inputs.Repo) {
		return nil, loadErr("repo", "", "overrides", fmt.Errorf("repo layer may not carry an overrides block"))
	}

	existingNames := make(map[string]bool, len(accumulated))
	for _, r := range accumulated {
		existingNames[r.Name] = true
	}

	repoRules, err := parseLayerRules(inputs.Repo, SourceLayerRepo, "repo")
	if err != nil {
		return nil, err
	}

	for _, r := range repoRules {
		if existingNames[r.Name] {
			return nil, loadErr("repo", r.Name, "name", fmt.Errorf("repo rule %q duplicates a rule from an earlier layer", r.Name))
		}

		existingNames[r.Name] = true
	}

	accumulated = append(accumulated, repoRules...)

	accumulated, err = applyOverrides(accumulated, globalOverrides)
	if err != nil {
		return nil, err
	}

	active := make([]*Rule, 0, len(accumulated))

	for _, r := range accumulated {
		if r.Disabled {
			continue
		}

		if err := validateActiveRule(r); err != nil {
			return nil, err
		}

		active = append(active, r)
	}

	return buildRuleSet(active, inputs), nil
}

// appendLayer parses a layer's rules (skipping the overrides block, which
// is handled separately) and appends them to accumulated, checking for
// duplicate names against rules already present.
func appendLayer(accumulated []*Rule, data []byte, layer SourceLayer, layerName string) ([]*Rule, error) {
	rules, err := parseLayerRules(data, layer, layerName)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(accumulated))
	for _, r := range accumulated {
		existing[r.Name] = true
	}

	for _, r := range rules {
		if existing[r.Name] {
			return nil, loadErr(layerName, r.Name, "name", fmt.Errorf("duplicate rule name %q", r.Name))
		}

		existing[r.Name] = true
	}

	return append(accumulated, rules...), nil
}

func parseLayerRules(data []byte, layer SourceLayer, layerName string) ([]*Rule, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var doc ruleFileDoc

	// Strict decoding: a field the rule schema does not know is a load error.
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, loadErr(layerName, "", "", fmt.Errorf("parsing YAML: %w", err))
	}

	rules := make([]*Rule, 0, len(doc.Rules))

	for i, rd := range doc.Rules {
		r, err := buildRule(rd, layer, layerName, i)
		if err != nil {
			return nil, err
		}

		rules = append(rules, r)
	}

	return rules, nil
}

func parseOverrides(data []byte, layerName string) ([]overrideDoc, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var doc ruleFileDoc

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, loadErr(layerName, "", "", fmt.Errorf("parsing YAML: %w", err))
	}

	return doc.Overrides, nil
}

func hasOverridesBlock(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	var doc ruleFileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false
	}

	return len(doc.Overrides) > 0
}

func buildRule(rd ruleDoc, layer SourceLayer, layerName string, index int) (*Rule, error) {
	ruleRef := rd.Name
	if ruleRef == "" {
		ruleRef = fmt.Sprintf("%d", index)
	}

	if rd.Name == "" {
		return nil, loadErr(layerName, ruleRef, "name", fmt.Errorf("rule name must not be empty"))
	}

	r := &Rule{
		Name:          rd.Name,
		Commands:      rd.Commands,
		AllowOverride: rd.AllowOverride,
		RedirectTo:    rd.RedirectTo,
		Message:       rd.Message,
		Disabled:      rd.Disabled,
		SourceLayer:   layer,
	}

	switch rd.Context {
	case "":
		r.ContextFilter = ""
	case string(ExecutionContextAI):
		r.ContextFilter = ExecutionContextAI
	case string(ExecutionContextHuman):
		r.ContextFilter = ExecutionContextHuman
	default:
		return nil, loadErr(layerName, ruleRef, "context", fmt.Errorf("unknown context %q", rd.Context))
	}

	if rd.Directory != "" {
		re, err := regexp.Compile(rd.Directory)
		if err != nil {
			return nil, loadErr(layerName, ruleRef, "directory", fmt.Errorf("compiling regex: %w", err))
		}

		r.Directory = re
	}

	switch Action(rd.Action) {
	case ActionAllow, ActionDeny, ActionRequireApproval, ActionRedirect:
		r.Action = Action(rd.Action)
	default:
		return nil, loadErr(layerName, ruleRef, "action", fmt.Errorf("unknown action %q", rd.Action))
	}

	if r.Action == ActionRedirect && rd.RedirectTo == "" {
		return nil, loadErr(layerName, ruleRef, "redirect_to", fmt.Errorf("redirect_to is required when action is redirect"))
	}

	conditions := make([]Condition, 0, len(rd.Conditions))

	for i, cd := range rd.Conditions {
		cond, err := buildCondition(cd)
		if err != nil {
			return nil, loadErr(layerName, ruleRef, fmt.Sprintf("conditions[%d].type", i), err)
		}

		conditions = append(conditions, cond)
	}

	r.Conditions = conditions

	return r, nil
}

// boolValue resolves a condition's polymorphic `value:` node to a bool, as
// needed by in_git_repo. A missing node decodes as false.
func boolValue(node *yaml.Node) (bool, error) {
	if node == nil {
		return false, nil
	}

	var v bool
	if err := node.Decode(&v); err != nil {
		return false, fmt.Errorf("decoding value as bool: %w", err)
	}

	return v, nil
}

// stringValue resolves a condition's polymorphic `value:` node to a string,
// as needed by env_equals. A missing node decodes as the empty string.
func stringValue(node *yaml.Node) (string, error) {
	if node == nil {
		return "", nil
	}

	var v string
	if err := node.Decode(&v); err != nil {
		return "", fmt.Errorf("decoding value as string: %w", err)
	}

	return v, nil
}

func buildCondition(cd conditionDoc) (Condition, error) {
	switch ConditionKind(cd.Type) {
	case ConditionCommandMatches:
		re, err := regexp.Compile(cd.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern: %w", err)
		}

		return CommandMatchesCondition{Pattern: re}, nil

	case ConditionCommandContains:
		return CommandContainsCondition{Substr: cd.Contains}, nil

	case ConditionCommandStartsWith:
		return CommandStartsWithCondition{Prefix: cd.Prefix}, nil

	case ConditionGitBranchIn:
		return GitBranchInCondition{Branches: cd.Branches}, nil

	case ConditionGitBranchMatches:
		re, err := regexp.Compile(cd.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern: %w", err)
		}

		return GitBranchMatchesCondition{Pattern: re}, nil

	case ConditionInGitRepo:
		value, err := boolValue(cd.Value)
		if err != nil {
			return nil, err
		}

		return InGitRepoCondition{Value: value}, nil

	case ConditionPathMatches:
		re, err := regexp.Compile(cd.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern: %w", err)
		}

		return PathMatchesCondition{Pattern: re}, nil

	case ConditionFileExists:
		return FileExistsCondition{Path: cd.Path}, nil

	case ConditionEnvEquals:
		value, err := stringValue(cd.Value)
		if err != nil {
			return nil, err
		}

		return EnvEqualsCondition{Variable: cd.Variable, Value: value}, nil

	default:
		return nil, &unknownConditionKindError{kind: cd.Type}
	}
}

// applyOverrides rewrites rules named in overrides, in place, per §4.1 step
// 3: each override must reference a rule already present in accumulated.
func applyOverrides(rules []*Rule, overrides []overrideDoc) ([]*Rule, error) {
	if len(overrides) == 0 {
		return rules, nil
	}

	index := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		index[r.Name] = r
	}

	for _, ov := range overrides {
		target, ok := index[ov.Name]
		if !ok {
			return nil, loadErr("global", ov.Name, "overrides", fmt.Errorf("override references unknown rule %q", ov.Name))
		}

		if ov.Disabled != nil {
			target.Disabled = *ov.Disabled
		}

		if ov.Action != nil {
			switch Action(*ov.Action) {
			case ActionAllow, ActionDeny, ActionRequireApproval, ActionRedirect:
				target.Action = Action(*ov.Action)
			default:
				return nil, loadErr("global", ov.Name, "overrides.action", fmt.Errorf("unknown action %q", *ov.Action))
			}
		}

		if ov.Message != nil {
			target.Message = *ov.Message
		}
	}

	return rules, nil
}

// validateActiveRule enforces the invariant that every active rule narrows
// what it applies to: a rule with no executables, no conditions, and no
// directory filter would match literally every request.
func validateActiveRule(r *Rule) error {
	if len(r.Commands) == 0 && len(r.Conditions) == 0 && r.Directory == nil {
		return loadErr(string(r.SourceLayer), r.Name, "", fmt.Errorf("rule %q has no commands, conditions, or directory filter and would match every request", r.Name))
	}

	return nil
}

func buildRuleSet(active []*Rule, inputs LoadInputs) *RuleSet {
	rs := &RuleSet{
		Rules:             active,
		IndexByExecutable: make(map[string][]*Rule),
	}

	for _, r := range active {
		if len(r.Commands) == 0 {
			rs.UnconstrainedRules = append(rs.UnconstrainedRules, r)
			continue
		}

		for _, cmd := range r.Commands {
			rs.IndexByExecutable[cmd] = append(rs.IndexByExecutable[cmd], r)
		}
	}

	rs.Fingerprint = contentFingerprint(inputs)

	return rs
}

// contentFingerprint hashes the three raw layer blobs together with their
// logical positions, so identical inputs always produce an identical
// RuleSet.Fingerprint (idempotent loading, §8 property 4).
func contentFingerprint(inputs LoadInputs) uint64 {
	h := sha256.New()
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(inputs.Defaults)
	_, _ = h.Write([]byte{1})
	_, _ = h.Write(inputs.Global)
	_, _ = h.Write([]byte{2})
	_, _ = h.Write(inputs.Repo)

	sum := h.Sum(nil)

	return binary.BigEndian.Uint64(sum[:8])
}
