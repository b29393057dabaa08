// Package capture scans assistant-session transcripts for decision, fix and
// preference language and proposes memory records with a confidence score.
package capture

import (
	"regexp"

	"github.com/starford/mneme/internal/models"
)

// Rule is one trigger pattern. A match proposes Type with base confidence
// Weight.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Type    models.MemoryType
	Weight  float64
}

func rule(name, pattern string, typ models.MemoryType, weight float64) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(`(?i)` + pattern), Type: typ, Weight: weight}
}

// DefaultRules is the built-in trigger table. Order breaks ties between
// types with equal scores.
var DefaultRules = []Rule{
	rule("decided", `\b(?:decided|decision is|chose|chosen|opted|settled on|décidé|choisi|opté)\b`, models.TypeDecision, 0.75),
	rule("will-use", `\b(?:we will|we'll|let's|we're going to|on va) (?:use|go with|adopt|switch to|utiliser)\b`, models.TypeDecision, 0.7),
	rule("approach-is", `\b(?:solution|approach|strategy) (?:is|will be)\b`, models.TypeDecision, 0.7),
	rule("use", `\b(?:use|go with|adopt)\b`, models.TypeDecision, 0.45),

	rule("root-cause", `\broot cause\b`, models.TypeBugfix, 0.8),
	rule("fixed", `\b(?:fixed|resolved|corrected|repaired|corrigé|résolu)\b`, models.TypeBugfix, 0.75),
	rule("bug-was", `\b(?:bug|error|issue|problem) (?:was|came from|is caused by|was caused by)\b`, models.TypeBugfix, 0.75),
	rule("works-now", `\bworks now\b`, models.TypeBugfix, 0.6),

	rule("architecture", `\barchitecture\b`, models.TypeArchitecture, 0.7),
	rule("structure-of", `\bstructure of the (?:project|code|repo)\b`, models.TypeArchitecture, 0.7),
	rule("pattern", `\bdesign pattern\b`, models.TypeArchitecture, 0.6),
	rule("components", `\b(?:components|modules|services|layers)\b`, models.TypeArchitecture, 0.45),

	rule("prefer", `\b(?:i|we) (?:prefer|like to|want to)\b`, models.TypePreference, 0.7),
	rule("always-use", `\balways (?:use|do|run|write)\b`, models.TypePreference, 0.75),
	rule("never-use", `\b(?:don't|never) (?:use|do|run|write)\b`, models.TypePreference, 0.75),
	rule("convention", `\b(?:my|our) (?:rule|convention)\b`, models.TypePreference, 0.7),
	rule("by-default", `\bby default\b`, models.TypePreference, 0.6),

	rule("fence", "```", models.TypeSnippet, 0.6),
	rule("here-is-code", `\bhere(?:'s| is) the (?:code|script|command)\b`, models.TypeSnippet, 0.65),
	rule("example", `\b(?:example|sample):`, models.TypeSnippet, 0.55),
}

// rationale words after a trigger mark a justified statement.
var rationale = regexp.MustCompile(`(?i)\b(?:because|since|for|so that|to avoid|due to|instead of)\b`)

// techKeywords become tags when they occur as whole words.
var techKeywords = []string{
	"go", "golang", "python", "javascript", "typescript", "rust", "java",
	"docker", "kubernetes", "k8s", "nginx", "postgres", "postgresql",
	"mysql", "redis", "mongodb", "sqlite", "git", "github",
	"api", "rest", "graphql", "grpc", "http", "https",
	"linux", "windows", "macos", "ubuntu", "debian",
	"npm", "pip", "cargo", "apt", "brew",
	"react", "vue", "angular", "svelte", "nextjs", "fastapi", "flask", "django",
	"ollama", "cuda", "gpu", "systemd", "kernel",
}
