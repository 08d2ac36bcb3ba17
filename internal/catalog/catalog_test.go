package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/provider-gateway/internal/cache"
	"github.com/nulpointcorp/provider-gateway/internal/providers"
)

type fakeLister struct {
	id     providers.ID
	models []string
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (f *fakeLister) ID() providers.ID { return f.id }

func (f *fakeLister) ListModels(_ context.Context) ([]providers.Model, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]providers.Model, 0, len(f.models))
	for _, m := range f.models {
		out = append(out, providers.Model{ID: m, Created: 1, OwnedBy: string(f.id), Provider: f.id})
	}
	return out, nil
}

type fakeResolver map[string]providers.ID

func (r fakeResolver) Resolve(model string) (providers.ID, error) {
	if id, ok := r[model]; ok {
		return id, nil
	}
	return "", providers.UnknownModel(model)
}

func newMemory(t *testing.T) cache.Cache {
	t.Helper()
	c, err := cache.NewMemoryCache(1 << 20)
	if err != nil {
		t.Fatalf("memory cache: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestList_OrderAndSkip(t *testing.T) {
	oa := &fakeLister{id: providers.OpenAI, models: []string{"gpt-4o"}}
	an := &fakeLister{id: providers.Anthropic, err: errors.New("boom")}
	az := &fakeLister{id: providers.Azure, models: []string{"gpt-35-turbo"}}

	// Registration order must not matter.
	c := New([]Lister{az, an, oa})
	got := c.List(context.Background())

	if len(got) != 2 {
		t.Fatalf("expected 2 models, got %+v", got)
	}
	if got[0].Provider != providers.OpenAI || got[1].Provider != providers.Azure {
		t.Errorf("unexpected order: %+v", got)
	}
}

func TestList_AllFailing(t *testing.T) {
	c := New([]Lister{&fakeLister{id: providers.OpenAI, err: errors.New("down")}})
	got := c.List(context.Background())
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestList_CacheHit(t *testing.T) {
	oa := &fakeLister{id: providers.OpenAI, models: []string{"gpt-4o", "gpt-4o-mini"}}
	c := New([]Lister{oa}, WithCache(newMemory(t), time.Minute))

	for i := 0; i < 3; i++ {
		if got := c.List(context.Background()); len(got) != 2 {
			t.Fatalf("iteration %d: expected 2 models, got %d", i, len(got))
		}
	}
	if n := oa.calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream call, got %d", n)
	}

	c.Invalidate(context.Background())
	c.List(context.Background())
	if n := oa.calls.Load(); n != 2 {
		t.Errorf("expected refetch after Invalidate, got %d calls", n)
	}
}

func TestList_SingleflightCollapse(t *testing.T) {
	oa := &fakeLister{id: providers.OpenAI, models: []string{"gpt-4o"}, delay: 50 * time.Millisecond}
	c := New([]Lister{oa})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := c.List(context.Background()); len(got) != 1 {
				t.Errorf("expected 1 model, got %d", len(got))
			}
		}()
	}
	wg.Wait()

	if n := oa.calls.Load(); n >= 10 {
		t.Errorf("expected concurrent misses to share calls, got %d", n)
	}
}

func TestAvailable(t *testing.T) {
	c := New([]Lister{
		&fakeLister{id: providers.OpenAI, models: []string{"gpt-4o-mini", "gpt-4o"}},
		&fakeLister{id: providers.Anthropic, err: errors.New("down")},
	})
	got := c.Available(context.Background())

	if len(got) != 2 {
		t.Fatalf("expected both providers, got %+v", got)
	}
	if oa := got[providers.OpenAI]; len(oa) != 2 || oa[0] != "gpt-4o" {
		t.Errorf("expected sorted openai models, got %v", oa)
	}
	if an, ok := got[providers.Anthropic]; !ok || len(an) != 0 {
		t.Errorf("expected empty anthropic list, got %v", an)
	}
}

func TestFind(t *testing.T) {
	c := New(
		[]Lister{
			&fakeLister{id: providers.OpenAI, models: []string{"gpt-4o"}},
			&fakeLister{id: providers.Anthropic, err: errors.New("down")},
		},
		WithResolver(fakeResolver{
			"claude-3-5-sonnet": providers.Anthropic,
			"azure-gpt-4o":      providers.Azure,
		}),
	)
	ctx := context.Background()

	if m, ok := c.Find(ctx, "gpt-4o"); !ok || m.Provider != providers.OpenAI || m.Created != 1 {
		t.Errorf("expected listed model, got %+v %v", m, ok)
	}
	if m, ok := c.Find(ctx, "claude-3-5-sonnet"); !ok || m.Provider != providers.Anthropic || m.OwnedBy != "anthropic" {
		t.Errorf("expected routed fallback, got %+v %v", m, ok)
	}
	if _, ok := c.Find(ctx, "azure-gpt-4o"); ok {
		t.Error("expected miss for a provider that is not configured")
	}
	if _, ok := c.Find(ctx, "llama-3"); ok {
		t.Error("expected miss for an unroutable model")
	}
}
