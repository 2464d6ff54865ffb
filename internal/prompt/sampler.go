// Package prompt assembles the { system, user } prompt pair sent to the LLM
// ensemble each iteration, per spec.md §4.3.
package prompt

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/evocore/evocore/internal/template"
	"github.com/evocore/evocore/internal/types"
)

// IdeaSummary is the minimal projection of an HCM idea cluster the sampler
// needs; the controller converts hcm.IdeaCluster values into these to avoid
// a dependency from prompt on pacevolve.
type IdeaSummary struct {
	Title   string
	Summary string
	Score   float64
}

// Artifact is a short textual artifact (stdout/stderr) attached to a program.
type Artifact struct {
	Name    string
	Content string
}

// Request bundles everything the sampler needs to build one prompt.
type Request struct {
	Program           *types.Program
	PreviousFitness   *float64
	TopPrograms       []*types.Program
	Inspirations      []*types.Program
	GenerationIdeas   []IdeaSummary
	SelectionIdeas    []IdeaSummary
	Language          string
	Iteration         int
	DiffMode          bool
	FeatureDimensions []string
	Artifacts         []Artifact

	// Overrides, checked in order: explicit > sampler-wide > template default.
	UserTemplateOverride   string
	SystemTemplateOverride string
}

// Options configure sampler-wide behavior sourced from config.PromptConfig.
type Options struct {
	SamplerUserTemplate   string
	SamplerSystemTemplate string
	MaxArtifactBytes      int
	SuggestSimplifyChars  int
	UseStochasticity      bool
	RandomSeed            *int64
}

// Sampler builds prompts from a template.Manager and a set of options.
type Sampler struct {
	templates *template.Manager
	opts      Options
	rng       *rand.Rand
}

// New builds a Sampler bound to the given template manager and options.
func New(templates *template.Manager, opts Options) *Sampler {
	seed := int64(1)
	if opts.RandomSeed != nil {
		seed = *opts.RandomSeed
	}
	return &Sampler{
		templates: templates,
		opts:      opts,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Prompt is the assembled { system, user } pair.
type Prompt struct {
	System string
	User   string
}

// Build assembles a Prompt per the seven-step algorithm in spec.md §4.3.
func (s *Sampler) Build(req Request) Prompt {
	userName, systemName := s.templateNames(req)

	userTemplate := s.templates.Template(userName)
	systemTemplate := s.templates.Template(systemName)

	fitness := req.Program.Fitness(featureDimSet(req.FeatureDimensions))
	fields := map[string]string{
		"current_program":   req.Program.Code,
		"language":           displayOr(req.Language, "text"),
		"iteration":          fmt.Sprintf("%d", req.Iteration),
		"metrics":            formatMetrics(req.Program.Metrics),
		"feature_coords":     formatFeatureCoords(req.Program, req.FeatureDimensions),
		"improvement_areas":  s.improvementAreas(req, fitness),
		"evolution_history":  s.evolutionHistory(req),
		"artifacts":          s.artifactsSection(req.Artifacts),
	}

	user := renderTemplate(userTemplate, fields)
	system := renderTemplate(systemTemplate, fields)

	if s.opts.UseStochasticity {
		user = s.applyStochasticity(user)
		system = s.applyStochasticity(system)
	}

	return Prompt{System: system, User: user}
}

func (s *Sampler) templateNames(req Request) (user, system string) {
	defaultUser := "diff_user"
	defaultSystem := "diff_system"
	if !req.DiffMode {
		defaultUser = "full_rewrite_user"
		defaultSystem = "full_rewrite_system"
	}

	user = defaultUser
	if s.opts.SamplerUserTemplate != "" {
		user = s.opts.SamplerUserTemplate
	}
	if req.UserTemplateOverride != "" {
		user = req.UserTemplateOverride
	}

	system = defaultSystem
	if s.opts.SamplerSystemTemplate != "" {
		system = s.opts.SamplerSystemTemplate
	}
	if req.SystemTemplateOverride != "" {
		system = req.SystemTemplateOverride
	}
	return user, system
}

func featureDimSet(dims []string) map[string]bool {
	out := make(map[string]bool, len(dims))
	for _, d := range dims {
		out[d] = true
	}
	return out
}

func formatMetrics(metrics map[string]float64) string {
	if len(metrics) == 0 {
		return "(no metrics recorded)"
	}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %.4f\n", k, metrics[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFeatureCoords(p *types.Program, dims []string) string {
	if len(dims) == 0 {
		return "(no feature dimensions configured)"
	}
	var b strings.Builder
	for _, d := range dims {
		v, ok := p.Metrics[d]
		if !ok {
			v = 0
		}
		fmt.Fprintf(&b, "- %s: %.4f\n", d, v)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Sampler) improvementAreas(req Request, fitness float64) string {
	if req.PreviousFitness == nil {
		return s.templates.Fragment("no_improvement_data")
	}
	delta := fitness - *req.PreviousFitness
	var verdict string
	switch {
	case delta > 0:
		verdict = fmt.Sprintf("Fitness improved by %.4f since the parent.", delta)
	case delta < 0:
		verdict = fmt.Sprintf("Fitness regressed by %.4f since the parent.", -delta)
	default:
		verdict = "Fitness is unchanged since the parent."
	}

	maxChars := s.opts.SuggestSimplifyChars
	if maxChars > 0 && len(req.Program.Code) > maxChars {
		verdict += " " + s.templates.Fragment("simplify_suggestion")
	}
	return verdict
}

func (s *Sampler) evolutionHistory(req Request) string {
	var b strings.Builder

	top := req.TopPrograms
	if len(top) > 3 {
		top = top[:3]
	}
	insp := req.Inspirations
	if len(insp) > 2 {
		insp = insp[:2]
	}

	if len(top) == 0 && len(insp) == 0 {
		return s.templates.Fragment("no_history")
	}

	if len(top) > 0 {
		b.WriteString("Top programs:\n")
		for _, p := range top {
			fmt.Fprintf(&b, "- fitness %.4f:\n```%s\n%s\n```\n", p.Fitness(nil), displayOr(p.Language, "text"), p.Code)
		}
	}
	if len(insp) > 0 {
		b.WriteString("Inspirations:\n")
		for _, p := range insp {
			fmt.Fprintf(&b, "- fitness %.4f:\n```%s\n%s\n```\n", p.Fitness(nil), displayOr(p.Language, "text"), p.Code)
		}
	}

	if len(req.GenerationIdeas) > 0 {
		b.WriteString("Generation ideas:\n")
		for _, idea := range req.GenerationIdeas {
			fmt.Fprintf(&b, "- %s (score %.4f): %s\n", idea.Title, idea.Score, idea.Summary)
		}
	}
	if len(req.SelectionIdeas) > 0 {
		b.WriteString("Selection ideas:\n")
		for _, idea := range req.SelectionIdeas {
			fmt.Fprintf(&b, "- %s (score %.4f): %s\n", idea.Title, idea.Score, idea.Summary)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func (s *Sampler) artifactsSection(artifacts []Artifact) string {
	if len(artifacts) == 0 {
		return s.templates.Fragment("no_artifacts")
	}
	limit := s.opts.MaxArtifactBytes
	var b strings.Builder
	b.WriteString("\n## Artifacts\n")
	for _, a := range artifacts {
		content := a.Content
		if limit > 0 && len(content) > limit {
			content = content[:limit] + "...(truncated)"
		}
		fmt.Fprintf(&b, "### %s\n```\n%s\n```\n", a.Name, content)
	}
	return b.String()
}

var synonyms = map[string][]string{
	"improve":  {"improve", "enhance", "refine", "optimize"},
	"program":  {"program", "code", "implementation", "solution"},
	"consider": {"consider", "evaluate", "examine", "assess"},
	"current":  {"current", "existing", "present"},
	"propose":  {"propose", "suggest", "put forward"},
}

// applyStochasticity replaces whole-word occurrences of configured synonym
// keys with a uniformly random alternate from the same group.
func (s *Sampler) applyStochasticity(text string) string {
	for word, options := range synonyms {
		text = replaceWholeWord(text, word, func() string {
			return options[s.rng.Intn(len(options))]
		})
	}
	return text
}

func replaceWholeWord(text, word string, pick func() string) string {
	var b strings.Builder
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], word)
		if idx == -1 {
			b.WriteString(text[i:])
			break
		}
		start := i + idx
		end := start + len(word)
		before := start == 0 || !isWordChar(text[start-1])
		after := end == len(text) || !isWordChar(text[end])
		b.WriteString(text[i:start])
		if before && after {
			b.WriteString(pick())
		} else {
			b.WriteString(text[start:end])
		}
		i = end
	}
	return b.String()
}

func isWordChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func renderTemplate(tmpl string, fields map[string]string) string {
	out := tmpl
	for k, v := range fields {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func displayOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
