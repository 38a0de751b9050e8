package registry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ruleDoc is the wire form of a rule definition. Durations are strings in
// Go syntax ("10m", "1h30m"). Structural constraints are enforced with
// validator tags before the semantic checks in validateRule run.
type ruleDoc struct {
	RuleID      string `yaml:"rule_id" validate:"required"`
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`

	Source       string           `yaml:"source" validate:"required"`
	Filter       *core.Predicate  `yaml:"filter" validate:"required"`
	GroupBy      []string         `yaml:"group_by" validate:"required,min=1"`
	Window       windowDoc        `yaml:"window" validate:"required"`
	Correlation  *correlationDoc  `yaml:"correlation"`
	Aggregations []aggDoc         `yaml:"aggregations" validate:"required,min=1,dive"`
	Scoring      core.ScoringSpec `yaml:"scoring"`
	Severity     []severityDoc    `yaml:"severity" validate:"required,min=1,dive"`
	DedupWindow  string           `yaml:"dedup_window"`

	Tags            []string `yaml:"tags"`
	MitreTactics    []string `yaml:"mitre_tactics"`
	MitreTechniques []string `yaml:"mitre_techniques"`
}

type windowDoc struct {
	Kind     string `yaml:"kind" validate:"required,oneof=tumbling sliding"`
	Duration string `yaml:"duration" validate:"required"`
}

type correlationDoc struct {
	Kind         string          `yaml:"kind" validate:"required,oneof=inner leftouter"`
	Source       string          `yaml:"source" validate:"required"`
	Filter       *core.Predicate `yaml:"filter" validate:"required"`
	JoinKeys     []string        `yaml:"join_keys" validate:"required,min=1"`
	MaxDelta     string          `yaml:"max_delta" validate:"required"`
	Aggregations []aggDoc        `yaml:"aggregations" validate:"dive"`
}

type aggDoc struct {
	Name  string `yaml:"name" validate:"required"`
	Op    string `yaml:"op" validate:"required,oneof=count dcount sum max min set list"`
	Field string `yaml:"field"`
}

type severityDoc struct {
	MinScore float64 `yaml:"min_score" validate:"gte=0"`
	Label    string  `yaml:"label" validate:"required,oneof=info low medium high critical"`
}

// refSetDoc is the wire form of a reference-set document (*.refs.yaml).
type refSetDoc struct {
	Sets []struct {
		Name    string   `yaml:"name" validate:"required"`
		Version int      `yaml:"version"`
		Values  []string `yaml:"values" validate:"required"`
	} `yaml:"sets" validate:"required,min=1,dive"`
}

// Loader parses rule and reference-set documents from disk or bytes.
type Loader struct {
	validate *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	return &Loader{validate: validator.New()}
}

// LoadDir parses every YAML document under dir: files named *.refs.yaml
// become reference sets, all other *.yaml / *.yml files hold one or more
// rule documents. Parse failures are reported per file alongside validation
// errors; nothing is activated here.
func (l *Loader) LoadDir(dir string) ([]*core.RuleDefinition, core.ReferenceSets, []core.RuleValidationError) {
	var (
		defs []*core.RuleDefinition
		refs = core.ReferenceSets{}
		errs []core.RuleValidationError
	)
	entries, err := os.ReadDir(dir)
	if err != nil {
		errs = append(errs, core.RuleValidationError{RuleID: dir, Reason: fmt.Sprintf("reading rule directory: %v", err)})
		return nil, nil, errs
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, core.RuleValidationError{RuleID: name, Reason: fmt.Sprintf("reading file: %v", err)})
			continue
		}
		if strings.HasSuffix(name, ".refs.yaml") || strings.HasSuffix(name, ".refs.yml") {
			if err := l.parseRefs(data, refs); err != nil {
				errs = append(errs, core.RuleValidationError{RuleID: name, Reason: err.Error()})
			}
			continue
		}
		fileDefs, fileErrs := l.ParseRules(data)
		defs = append(defs, fileDefs...)
		errs = append(errs, fileErrs...)
	}
	return defs, refs, errs
}

// ParseRules decodes one or more rule documents from a YAML stream.
func (l *Loader) ParseRules(data []byte) ([]*core.RuleDefinition, []core.RuleValidationError) {
	var (
		defs []*core.RuleDefinition
		errs []core.RuleValidationError
	)
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	for {
		var doc ruleDoc
		if err := dec.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			errs = append(errs, core.RuleValidationError{RuleID: "(parse)", Reason: err.Error()})
			break
		}
		def, err := l.toDefinition(&doc)
		if err != nil {
			id := doc.RuleID
			if id == "" {
				id = "(unnamed)"
			}
			errs = append(errs, core.RuleValidationError{RuleID: id, Reason: err.Error()})
			continue
		}
		defs = append(defs, def)
	}
	return defs, errs
}

func (l *Loader) parseRefs(data []byte, refs core.ReferenceSets) error {
	var doc refSetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing reference sets: %w", err)
	}
	if err := l.validate.Struct(&doc); err != nil {
		return fmt.Errorf("reference set document invalid: %w", err)
	}
	for _, s := range doc.Sets {
		rs := &core.ReferenceSet{Name: s.Name, Version: s.Version, Values: s.Values}
		rs.Build()
		refs[s.Name] = rs
	}
	return nil
}

func (l *Loader) toDefinition(doc *ruleDoc) (*core.RuleDefinition, error) {
	if err := l.validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("document invalid: %w", err)
	}

	windowDur, err := time.ParseDuration(doc.Window.Duration)
	if err != nil {
		return nil, fmt.Errorf("window duration: %w", err)
	}
	var dedup time.Duration
	if doc.DedupWindow != "" {
		if dedup, err = time.ParseDuration(doc.DedupWindow); err != nil {
			return nil, fmt.Errorf("dedup_window: %w", err)
		}
	}

	def := &core.RuleDefinition{
		RuleID:          doc.RuleID,
		Name:            doc.Name,
		Description:     doc.Description,
		Enabled:         doc.Enabled == nil || *doc.Enabled,
		Source:          core.SourceType(doc.Source),
		Filter:          doc.Filter,
		GroupBy:         doc.GroupBy,
		Window:          core.WindowSpec{Kind: core.WindowKind(doc.Window.Kind), Duration: windowDur},
		Aggregations:    toAggs(doc.Aggregations),
		Scoring:         doc.Scoring,
		DedupWindow:     dedup,
		Tags:            doc.Tags,
		MitreTactics:    doc.MitreTactics,
		MitreTechniques: doc.MitreTechniques,
	}
	for _, band := range doc.Severity {
		def.Severity = append(def.Severity, core.SeverityBand{
			MinScore: band.MinScore,
			Label:    core.Severity(band.Label),
		})
	}
	if doc.Correlation != nil {
		delta, err := time.ParseDuration(doc.Correlation.MaxDelta)
		if err != nil {
			return nil, fmt.Errorf("correlation max_delta: %w", err)
		}
		def.Correlation = &core.CorrelationSpec{
			Kind:         core.JoinKind(doc.Correlation.Kind),
			Source:       core.SourceType(doc.Correlation.Source),
			Filter:       doc.Correlation.Filter,
			JoinKeys:     doc.Correlation.JoinKeys,
			MaxDelta:     delta,
			Aggregations: toAggs(doc.Correlation.Aggregations),
		}
	}
	return def, nil
}

func toAggs(docs []aggDoc) []core.Aggregation {
	aggs := make([]core.Aggregation, 0, len(docs))
	for _, d := range docs {
		aggs = append(aggs, core.Aggregation{Name: d.Name, Op: core.AggOp(d.Op), Field: d.Field})
	}
	return aggs
}

// LoadDirInto parses dir and activates the result on reg when everything
// validates. The combined parse and validation error list comes back to the
// caller; the prior set stays active on failure.
func (l *Loader) LoadDirInto(reg *Registry, dir string) []core.RuleValidationError {
	defs, refs, errs := l.LoadDir(dir)
	if len(errs) > 0 {
		metrics.RuleReloads.WithLabelValues("rejected").Inc()
		return errs
	}
	if errs := reg.Load(defs, refs); len(errs) > 0 {
		metrics.RuleReloads.WithLabelValues("rejected").Inc()
		return errs
	}
	metrics.RuleReloads.WithLabelValues("activated").Inc()
	return nil
}
