package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evalbench-io/evalbench/internal/config"
	"github.com/evalbench-io/evalbench/internal/llm"
)

const (
	notatorScale = 10.0

	defaultJudgeTimeout = 300 * time.Second

	defaultExactnessPrompt = `You are grading a model answer against a reference answer.
Question: {{query}}
Reference answer: {{output_true}}
Model answer: {{output}}
Reply with 1 if the model answer is semantically equivalent to the reference answer, 0 otherwise. Reply with the digit only.`

	defaultNotatorPrompt = `You are grading the quality of a model answer.
Question: {{query}}
Model answer: {{output}}
Rate the answer from 0 (useless) to 10 (perfect). Reply with the number only.`
)

// ErrJudgeNotConfigured is returned at evaluation time when an llm-kind
// metric runs without a judge endpoint configured. It surfaces as a
// row-level failure, not a dispatch error.
var ErrJudgeNotConfigured = errors.New("judge model not configured")

// ErrJudgeScoreUnreadable is returned when no number can be parsed from the
// judge completion.
var ErrJudgeScoreUnreadable = errors.New("no score found in judge completion")

var scoreRegex = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

type (
	// JudgeConfig describes the model used by llm-kind metrics, plus optional
	// per-metric prompt overrides loaded from a YAML file.
	JudgeConfig struct {
		BaseURL string
		APIKey  string
		Model   string
		Timeout time.Duration
		Prompts map[string]string
	}

	promptOverride struct {
		Prompt string `yaml:"prompt"`
	}
)

// LoadJudgeConfig reads the judge endpoint from the environment and, when
// EVALBENCH_METRICS_CONFIG points at a YAML file, the prompt overrides from
// it.
func LoadJudgeConfig() (*JudgeConfig, error) {
	cfg := &JudgeConfig{
		BaseURL: config.GetEnvStr("EVALBENCH_JUDGE_BASE_URL", ""),
		APIKey:  config.GetEnvStr("EVALBENCH_JUDGE_API_KEY", ""),
		Model:   config.GetEnvStr("EVALBENCH_JUDGE_MODEL", ""),
		Timeout: config.GetEnvDuration("EVALBENCH_LLM_TIMEOUT", defaultJudgeTimeout),
		Prompts: make(map[string]string),
	}

	path := config.GetEnvStr("EVALBENCH_METRICS_CONFIG", "")
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics config %s: %w", path, err)
	}

	overrides := make(map[string]promptOverride)
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse metrics config %s: %w", path, err)
	}

	for name, override := range overrides {
		if override.Prompt != "" {
			cfg.Prompts[name] = override.Prompt
		}
	}

	return cfg, nil
}

// Enabled reports whether llm-kind metrics can actually call a judge.
func (c *JudgeConfig) Enabled() bool {
	return c != nil && c.BaseURL != "" && c.Model != ""
}

// prompt returns the template for a metric, preferring the YAML override.
func (c *JudgeConfig) prompt(name, fallback string) string {
	if c != nil {
		if p, ok := c.Prompts[name]; ok {
			return p
		}
	}

	return fallback
}

// registerJudges adds the llm-kind metrics. They are always registered so
// that /metrics lists them and validation passes; running one without a
// configured judge fails row-level.
func registerJudges(r *Registry, client *llm.Client, cfg *JudgeConfig) error {
	entries := []*Metric{
		{
			Name:        "judge_exactness",
			Description: "A judge model decides whether the output matches the reference answer (0 or 1).",
			Kind:        KindLLM,
			Require:     []string{RequireQuery, RequireOutput, RequireOutputTrue},
			Fn:          judgeFn(client, cfg, "judge_exactness", defaultExactnessPrompt, 1.0),
		},
		{
			Name:        "judge_notator",
			Description: "A judge model rates the output from 0 to 10; the score is normalized to [0, 1].",
			Kind:        KindLLM,
			Require:     []string{RequireQuery, RequireOutput},
			Fn:          judgeFn(client, cfg, "judge_notator", defaultNotatorPrompt, notatorScale),
		},
	}

	for _, m := range entries {
		if err := r.Register(m); err != nil {
			return err
		}
	}

	return nil
}

// judgeFn builds a callable that renders the prompt template, calls the
// judge model, and parses the first number of the completion. scale divides
// the parsed value before clamping to [0, 1].
func judgeFn(client *llm.Client, cfg *JudgeConfig, name, fallback string, scale float64) Func {
	return func(ctx context.Context, in *Input) (*Outcome, error) {
		if client == nil || !cfg.Enabled() {
			return nil, ErrJudgeNotConfigured
		}

		prompt := renderPrompt(cfg.prompt(name, fallback), in)

		completion, err := client.Complete(ctx, &llm.Request{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Prompt:  prompt,
		})
		if err != nil {
			return nil, fmt.Errorf("judge call failed: %w", err)
		}

		score, err := parseScore(completion.Text, scale)
		if err != nil {
			return nil, err
		}

		return &Outcome{
			Score:       &score,
			Observation: map[string]any{"judge_answer": completion.Text},
		}, nil
	}
}

func renderPrompt(template string, in *Input) string {
	replacer := strings.NewReplacer(
		"{{query}}", in.Row[RequireQuery],
		"{{output}}", in.Output,
		"{{output_true}}", in.Row[RequireOutputTrue],
	)

	return replacer.Replace(template)
}

func parseScore(text string, scale float64) (float64, error) {
	match := scoreRegex.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("%w: %q", ErrJudgeScoreUnreadable, strings.TrimSpace(text))
	}

	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrJudgeScoreUnreadable, match)
	}

	score := value / scale

	switch {
	case score < 0:
		return 0, nil
	case score > 1:
		return 1, nil
	default:
		return score, nil
	}
}
