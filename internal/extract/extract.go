// Package extract pulls skill and workflow tags out of free-text answers.
package extract

import (
	"regexp"
	"sort"
	"strings"
)

// Term is one vocabulary entry. Aliases all normalize to Name.
//
// Proper holds aliases that are also common words ("Go"). They match only
// with their exact capitalization and never as the first word of a
// sentence, so "go to the meeting" and "Go ahead." are not skills.
type Term struct {
	Name    string
	Aliases []string
	Proper  []string
}

// Workflow is a process tag recognized when every indicator group has at
// least one phrase present in the text.
type Workflow struct {
	Name       string
	Indicators [][]string
}

// DefaultSkills is the built-in technology and skill vocabulary
var DefaultSkills = []Term{
	{Name: "react", Aliases: []string{"react", "reactjs", "react.js"}},
	{Name: "node.js", Aliases: []string{"node.js", "nodejs"}},
	{Name: "typescript", Aliases: []string{"typescript"}},
	{Name: "javascript", Aliases: []string{"javascript"}},
	{Name: "python", Aliases: []string{"python"}},
	{Name: "go", Aliases: []string{"golang"}, Proper: []string{"Go"}},
	{Name: "java", Aliases: []string{"java"}},
	{Name: "rust", Aliases: []string{"rust"}},
	{Name: "sql", Aliases: []string{"sql", "postgres", "postgresql", "mysql", "sqlite"}},
	{Name: "docker", Aliases: []string{"docker", "containers"}},
	{Name: "kubernetes", Aliases: []string{"kubernetes", "k8s"}},
	{Name: "aws", Aliases: []string{"aws", "amazon web services"}},
	{Name: "gcp", Aliases: []string{"gcp", "google cloud"}},
	{Name: "azure", Aliases: []string{"azure"}},
	{Name: "terraform", Aliases: []string{"terraform"}},
	{Name: "git", Aliases: []string{"git", "github", "gitlab"}},
	{Name: "ci/cd", Aliases: []string{"ci/cd", "continuous integration", "jenkins", "github actions"}},
	{Name: "machine learning", Aliases: []string{"machine learning", "ml", "pytorch", "tensorflow"}},
	{Name: "data analysis", Aliases: []string{"data analysis", "pandas", "analytics"}},
	{Name: "excel", Aliases: []string{"excel", "spreadsheets"}},
	{Name: "figma", Aliases: []string{"figma"}},
	{Name: "project management", Aliases: []string{"project management", "jira", "scrum", "agile", "kanban"}},
	{Name: "graphql", Aliases: []string{"graphql"}},
	{Name: "rest apis", Aliases: []string{"rest api", "rest apis", "restful"}},
	{Name: "redis", Aliases: []string{"redis"}},
	{Name: "kafka", Aliases: []string{"kafka"}},
	{Name: "linux", Aliases: []string{"linux", "bash", "shell scripting"}},
	{Name: "salesforce", Aliases: []string{"salesforce", "crm"}},
	{Name: "communication", Aliases: []string{"communication", "presenting", "stakeholder"}},
	{Name: "leadership", Aliases: []string{"leadership", "mentoring", "managing a team"}},
}

// DefaultWorkflows is the built-in process vocabulary
var DefaultWorkflows = []Workflow{
	{Name: "planning-execution", Indicators: [][]string{{"planning", "plan"}, {"execution", "execute", "implement"}}},
	{Name: "design-implementation", Indicators: [][]string{{"design", "architecture"}, {"implementation", "build", "develop"}}},
	{Name: "testing-deployment", Indicators: [][]string{{"testing", "test", "qa"}, {"deployment", "deploy", "release"}}},
	{Name: "deployment-pipeline", Indicators: [][]string{{"deployment", "deploy"}, {"pipeline", "pipelines"}}},
	{Name: "code-review", Indicators: [][]string{{"review", "reviewing"}, {"code", "pull request", "pr"}}},
	{Name: "incident-response", Indicators: [][]string{{"incident", "outage", "on-call"}, {"response", "postmortem", "triage"}}},
	{Name: "analysis-reporting", Indicators: [][]string{{"analysis", "analyze", "analyse"}, {"report", "reporting", "dashboard"}}},
	{Name: "research-development", Indicators: [][]string{{"research"}, {"development", "prototype"}}},
	{Name: "requirements-gathering", Indicators: [][]string{{"requirements"}, {"gather", "gathering", "interview", "stakeholder"}}},
	{Name: "monitoring-alerting", Indicators: [][]string{{"monitoring", "monitor", "observability"}, {"alert", "alerting", "alerts"}}},
	{Name: "onboarding-training", Indicators: [][]string{{"onboarding", "onboard"}, {"training", "train", "mentoring"}}},
}

// Result is what one extraction found. Both slices are sorted and unique.
type Result struct {
	Skills    []string
	Workflows []string
}

// Empty reports whether nothing was found
func (r Result) Empty() bool {
	return len(r.Skills) == 0 && len(r.Workflows) == 0
}

// Extractor matches compiled vocabulary against text
type Extractor struct {
	skills    []compiledTerm
	workflows []compiledWorkflow
}

type compiledTerm struct {
	name    string
	pattern *regexp.Regexp
	proper  *regexp.Regexp
}

type compiledWorkflow struct {
	name   string
	groups []*regexp.Regexp
}

// New compiles the given vocabularies
func New(skills []Term, workflows []Workflow) *Extractor {
	e := &Extractor{}
	for _, term := range skills {
		words := term.Aliases
		if len(words) == 0 && len(term.Proper) == 0 {
			words = []string{term.Name}
		}
		ct := compiledTerm{name: strings.ToLower(term.Name)}
		if len(words) > 0 {
			ct.pattern = phrasePattern(words)
		}
		if len(term.Proper) > 0 {
			ct.proper = properPattern(term.Proper)
		}
		e.skills = append(e.skills, ct)
	}
	for _, wf := range workflows {
		cw := compiledWorkflow{name: strings.ToLower(wf.Name)}
		for _, group := range wf.Indicators {
			cw.groups = append(cw.groups, phrasePattern(group))
		}
		e.workflows = append(e.workflows, cw)
	}
	return e
}

// NewDefault builds an extractor over the built-in vocabulary
func NewDefault() *Extractor {
	return New(DefaultSkills, DefaultWorkflows)
}

// Extract returns the skills and workflows mentioned in text. The caller
// merges them into the session by set union, so repeated mentions are
// idempotent.
func (e *Extractor) Extract(text string) Result {
	lower := strings.ToLower(text)
	var r Result
	for _, term := range e.skills {
		if (term.pattern != nil && term.pattern.MatchString(lower)) ||
			(term.proper != nil && term.proper.MatchString(text)) {
			r.Skills = append(r.Skills, term.name)
		}
	}
	for _, wf := range e.workflows {
		if len(wf.groups) == 0 {
			continue
		}
		matched := true
		for _, group := range wf.groups {
			if !group.MatchString(lower) {
				matched = false
				break
			}
		}
		if matched {
			r.Workflows = append(r.Workflows, wf.name)
		}
	}
	r.Skills = uniqueSorted(r.Skills)
	r.Workflows = uniqueSorted(r.Workflows)
	return r
}

// phrasePattern matches any of the phrases on token boundaries. A boundary is
// anything that is not a letter, digit, '+' or '#', so "c++" and "node.js"
// match while "reactive" does not match "react".
func phrasePattern(phrases []string) *regexp.Regexp {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(p))
	}
	// Longest first so alternation prefers "node.js" over "node".
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return regexp.MustCompile(`(?:^|[^a-z0-9+#])(?:` + strings.Join(quoted, "|") + `)(?:$|[^a-z0-9+#])`)
}

// properPattern matches the exact-case words mid-sentence: the word must
// follow another word or a comma, never the start of text or a terminator.
func properPattern(words []string) *regexp.Regexp {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	sort.Slice(quoted, func(i, j int) bool { return len(quoted[i]) > len(quoted[j]) })
	return regexp.MustCompile(`[A-Za-z0-9,;:)]\s+(?:` + strings.Join(quoted, "|") + `)(?:$|[^A-Za-z0-9+#])`)
}

func uniqueSorted(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	sort.Strings(items)
	out := items[:1]
	for _, item := range items[1:] {
		if item != out[len(out)-1] {
			out = append(out, item)
		}
	}
	return out
}
