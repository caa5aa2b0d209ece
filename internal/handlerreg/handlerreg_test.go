package handlerreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type noopHandler struct{ calls int }

func (h *noopHandler) Execute(ctx context.Context, rt JobRuntime) (Result, error) {
	h.calls++
	return Result{Summary: "ok"}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register("scrape_page", func() Handler { return &noopHandler{} })

	factory, ok := reg.Lookup("scrape_page")
	assert.True(t, ok)

	h := factory()
	result, err := h.Execute(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, "ok", result.Summary)
}

func TestLookup_UnknownJobType(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Lookup("does_not_exist")
	assert.False(t, ok)
}

func TestRegister_OverwritesPreviousFactory(t *testing.T) {
	reg := NewRegistry()
	reg.Register("job_a", func() Handler { return &noopHandler{calls: 1} })
	reg.Register("job_a", func() Handler { return &noopHandler{calls: 99} })

	factory, ok := reg.Lookup("job_a")
	assert.True(t, ok)
	h := factory().(*noopHandler)
	assert.Equal(t, 99, h.calls)
}

func TestJobTypes_ListsRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", func() Handler { return &noopHandler{} })
	reg.Register("b", func() Handler { return &noopHandler{} })

	assert.ElementsMatch(t, []string{"a", "b"}, reg.JobTypes())
}
