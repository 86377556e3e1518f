package correlation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"prime-checker/internal/models"
)

func defaultLinker() Linker {
	return NewLinker("http://localhost:16686/trace/{id}", "http://localhost:8025/search?query={id}")
}

func TestLinksFromCorrelationIDs(t *testing.T) {
	c := models.Check{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", MessageID: "<abc@prime-checker.local>"}
	links := defaultLinker().Links(c)

	assert.Equal(t, "http://localhost:16686/trace/4bf92f3577b34da6a3ce929d0e0e4736", links.Trace)
	assert.Equal(t, "http://localhost:8025/search?query=%3Cabc%40prime-checker.local%3E", links.Mail)
	assert.False(t, links.Empty())
}

func TestNoIDMeansNoLink(t *testing.T) {
	l := defaultLinker()
	assert.True(t, l.Links(models.Check{}).Empty())
	assert.Equal(t, "", l.TraceURL("   "))

	only := l.Links(models.Check{MessageID: "m1"})
	assert.Empty(t, only.Trace)
	assert.Equal(t, "http://localhost:8025/search?query=m1", only.Mail)
}

func TestLinksAreDeterministic(t *testing.T) {
	l := defaultLinker()
	c := models.Check{TraceID: "t1", MessageID: "m1"}
	assert.Equal(t, l.Links(c), l.Links(c))
}

func TestTemplateVariants(t *testing.T) {
	l := NewLinker("https://tempo.example/trace/", "")
	assert.Equal(t, "https://tempo.example/trace/a%2Fb", l.TraceURL("a/b"))
	assert.Equal(t, "", l.MailURL("m1"))
}
