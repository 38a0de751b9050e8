package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const logonRuleYAML = `
rule_id: brute-force-logon
name: Repeated logon failures from multiple IPs
source: auth
filter:
  all:
    - field: action
      op: eq
      value: logon
    - field: result
      op: eq
      value: failure
group_by: [entity_id]
window:
  kind: tumbling
  duration: 10m
aggregations:
  - name: failures
    op: count
  - name: dcount_ip
    op: dcount
    field: source_ip
scoring:
  cases:
    - when:
        - agg: dcount_ip
          op: ">="
          value: 3
      then:
        op: mul
        left: {op: agg, agg: dcount_ip}
        right: {op: const, value: 15}
  default:
    op: const
    value: 0
severity:
  - min_score: 0
    label: info
  - min_score: 40
    label: medium
  - min_score: 70
    label: high
dedup_window: 1h
tags: [credential-access]
mitre_techniques: [T1110]
`

func TestParseRulesSingleDocument(t *testing.T) {
	l := NewLoader()
	defs, errs := l.ParseRules([]byte(logonRuleYAML))
	require.Empty(t, errs)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "brute-force-logon", def.RuleID)
	assert.True(t, def.Enabled, "enabled defaults to true when omitted")
	assert.Equal(t, core.SourceAuth, def.Source)
	assert.Equal(t, core.WindowTumbling, def.Window.Kind)
	assert.Equal(t, 10*time.Minute, def.Window.Duration)
	assert.Equal(t, time.Hour, def.DedupWindow)
	require.Len(t, def.Aggregations, 2)
	assert.Equal(t, core.AggDCount, def.Aggregations[1].Op)
	require.Len(t, def.Scoring.Cases, 1)
	assert.Equal(t, []string{"T1110"}, def.MitreTechniques)
}

func TestParseRulesMultiDocumentStream(t *testing.T) {
	stream := logonRuleYAML + "\n---\n" + `
rule_id: second-rule
name: Second
enabled: false
source: network
filter:
  field: source_ip
  op: exists
group_by: [entity_id]
window:
  kind: sliding
  duration: 30m
aggregations:
  - name: conns
    op: count
scoring:
  default: {op: agg, agg: conns}
severity:
  - min_score: 0
    label: low
`
	l := NewLoader()
	defs, errs := l.ParseRules([]byte(stream))
	require.Empty(t, errs)
	require.Len(t, defs, 2)
	assert.False(t, defs[1].Enabled)
	assert.Equal(t, core.WindowSliding, defs[1].Window.Kind)
}

func TestParseRulesBadDocuments(t *testing.T) {
	cases := map[string]string{
		"missing required fields": "rule_id: lonely\n",
		"bad window duration":     replaceOnce(logonRuleYAML, "duration: 10m", "duration: ten-minutes"),
		"bad window kind":         replaceOnce(logonRuleYAML, "kind: tumbling", "kind: hopping"),
		"bad severity label":      replaceOnce(logonRuleYAML, "label: high", "label: apocalyptic"),
		"bad dedup window":        replaceOnce(logonRuleYAML, "dedup_window: 1h", "dedup_window: soon"),
	}
	l := NewLoader()
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			defs, errs := l.ParseRules([]byte(doc))
			assert.Empty(t, defs)
			assert.NotEmpty(t, errs)
		})
	}
}

func replaceOnce(s, old, new string) string {
	return strings.Replace(s, old, new, 1)
}

func TestLoadDirWithReferenceSets(t *testing.T) {
	dir := t.TempDir()
	ruleWithRef := replaceOnce(logonRuleYAML, `    - field: result
      op: eq
      value: failure`, `    - field: source_ip
      op: in_ref
      ref: blocked_ips`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(ruleWithRef), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocked.refs.yaml"), []byte(`
sets:
  - name: blocked_ips
    version: 4
    values: ["198.51.100.7", "203.0.113.9"]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	l := NewLoader()
	defs, refs, errs := l.LoadDir(dir)
	require.Empty(t, errs)
	require.Len(t, defs, 1)
	require.Contains(t, refs, "blocked_ips")
	assert.Equal(t, 4, refs["blocked_ips"].Version)
	assert.True(t, refs["blocked_ips"].Contains("203.0.113.9"))
	assert.False(t, refs["blocked_ips"].Contains("10.0.0.1"))
}

func TestLoadDirIntoActivates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(logonRuleYAML), 0o644))

	reg := New(testLogger())
	l := NewLoader()
	require.Empty(t, l.LoadDirInto(reg, dir))
	assert.NotNil(t, reg.Active().Rule("brute-force-logon"))

	// A broken directory leaves the active set untouched.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"),
		[]byte(replaceOnce(logonRuleYAML, "duration: 10m", "duration: nope")), 0o644))
	errs := l.LoadDirInto(reg, dir)
	assert.NotEmpty(t, errs)
	assert.NotNil(t, reg.Active().Rule("brute-force-logon"))
}
