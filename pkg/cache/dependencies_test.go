package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func labelSet(d Dependencies) []string {
	out := make([]string, 0, len(d.Labels))
	for l := range d.Labels {
		out = append(out, l)
	}
	return out
}

func propSet(d Dependencies) []string {
	out := make([]string, 0, len(d.Properties))
	for p := range d.Properties {
		out = append(out, p)
	}
	return out
}

func TestExtractDependencies_LabelsAndProperties(t *testing.T) {
	d := extractDependencies("MATCH (u:User) WHERE u.age > 18 RETURN u.email")
	assert.ElementsMatch(t, []string{"User"}, labelSet(d))
	assert.ElementsMatch(t, []string{"age", "email"}, propSet(d))
}

func TestExtractDependencies_CaseRules(t *testing.T) {
	// A lowercase token after ':' is not a label; an uppercase token after
	// '.' is not a property.
	d := extractDependencies("MATCH (n:person) RETURN n.Name")
	assert.Empty(t, labelSet(d))
	assert.Empty(t, propSet(d))
}

func TestExtractDependencies_QuotedLiteralsSkipped(t *testing.T) {
	d := extractDependencies(`MATCH (n:Person) WHERE n.name = ":Fake.token" RETURN n`)
	assert.ElementsMatch(t, []string{"Person"}, labelSet(d))
	assert.ElementsMatch(t, []string{"name"}, propSet(d))
}

func TestExtractDependencies_MultipleLabels(t *testing.T) {
	d := extractDependencies("MATCH (a:Person)-[:KNOWS]->(b:Company) RETURN a.name, b.title")
	assert.ElementsMatch(t, []string{"Person", "KNOWS", "Company"}, labelSet(d))
	assert.ElementsMatch(t, []string{"name", "title"}, propSet(d))
}

func TestExtractDependencies_EmptyIsLegacy(t *testing.T) {
	d := extractDependencies("RETURN 1 + 2")
	assert.True(t, d.isLegacy())
}

func TestDependencies_Overlaps(t *testing.T) {
	d := extractDependencies("MATCH (n:Person) RETURN n.name")
	assert.True(t, d.overlaps([]string{"Person"}, nil))
	assert.True(t, d.overlaps(nil, []string{"name"}))
	assert.False(t, d.overlaps([]string{"User"}, []string{"age"}))
	assert.False(t, d.overlaps(nil, nil))
}
