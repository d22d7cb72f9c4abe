package controls

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	path   string
	prefix string
}

func TestConvergeSourceFollowsRedirectChainToFixedPoint(t *testing.T) {
	// /a.yaml redirects to /b.yaml, which redirects to itself.
	redirects := map[string]string{"/a.yaml": "/b.yaml", "/b.yaml": "/b.yaml"}
	current := fakeSource{path: "/a.yaml"}
	var switches []string

	result, changed := ConvergeSource(
		current,
		func(s fakeSource) string { return s.path },
		func() map[string]any { return map[string]any{"path": redirects[current.path]} },
		func(view map[string]any) fakeSource {
			return fakeSource{path: view["path"].(string), prefix: current.prefix}
		},
		func(next fakeSource) {
			current = next
			switches = append(switches, next.path)
		},
		func(next fakeSource, stable string) fakeSource {
			next.path = stable
			return next
		},
		nil,
	)

	assert.True(t, changed)
	assert.Equal(t, "/b.yaml", result.path)
	assert.Equal(t, []string{"/b.yaml"}, switches)
}

func TestConvergeSourceAcceptsNonPathChangeImmediately(t *testing.T) {
	current := fakeSource{path: "/a.yaml"}

	result, changed := ConvergeSource(
		current,
		func(s fakeSource) string { return s.path },
		func() map[string]any { return nil },
		func(map[string]any) fakeSource {
			return fakeSource{path: "/a.yaml", prefix: "APP__"}
		},
		func(fakeSource) { t.Fatal("no path switch expected") },
		func(next fakeSource, stable string) fakeSource { return next },
		nil,
	)

	assert.True(t, changed)
	assert.Equal(t, "APP__", result.prefix)
}

func TestConvergeSourceNoChangeAtFixedPoint(t *testing.T) {
	current := fakeSource{path: "/a.yaml"}

	result, changed := ConvergeSource(
		current,
		func(s fakeSource) string { return s.path },
		func() map[string]any { return nil },
		func(map[string]any) fakeSource { return current },
		func(fakeSource) { t.Fatal("no path switch expected") },
		func(next fakeSource, stable string) fakeSource { return next },
		nil,
	)

	assert.False(t, changed)
	assert.Equal(t, current, result)
}

func TestConvergeSourceDetectsCycleAndFreezes(t *testing.T) {
	redirects := map[string]string{"/x.yaml": "/y.yaml", "/y.yaml": "/x.yaml"}
	current := fakeSource{path: "/x.yaml"}
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	result, changed := ConvergeSource(
		current,
		func(s fakeSource) string { return s.path },
		func() map[string]any { return map[string]any{"path": redirects[current.path]} },
		func(view map[string]any) fakeSource {
			return fakeSource{path: view["path"].(string)}
		},
		func(next fakeSource) { current = next },
		func(next fakeSource, stable string) fakeSource {
			next.path = stable
			return next
		},
		logger,
	)

	assert.True(t, changed)
	assert.Equal(t, "/y.yaml", result.path)
	assert.Equal(t, 1, strings.Count(buf.String(), "cycle"))
}
