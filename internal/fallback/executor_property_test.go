package fallback

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/jordanhubbard/tokenrelay/internal/policy"
)

var propProviders = []string{"openai", "anthropic", "gemini", "bedrock", "xai", "perplexity"}

func genChain() *rapid.Generator[[]policy.ModelRef] {
	return rapid.Custom(func(t *rapid.T) []policy.ModelRef {
		n := rapid.IntRange(1, 6).Draw(t, "chainLen")
		chain := make([]policy.ModelRef, n)
		for i := range chain {
			chain[i] = policy.ModelRef{
				Provider: rapid.SampledFrom(propProviders).Draw(t, "provider"),
				Model:    fmt.Sprintf("model-%d", i),
			}
		}
		return chain
	})
}

func genAvailability() *rapid.Generator[Availability] {
	return rapid.Custom(func(t *rapid.T) Availability {
		a := Availability{}
		for _, p := range propProviders {
			switch rapid.IntRange(0, 3).Draw(t, "status-"+p) {
			case 0:
				// absent
			case 1:
				a[p] = ProviderStatus{}
			case 2:
				a[p] = ProviderStatus{Credential: "key"}
			case 3:
				a[p] = ProviderStatus{Enabled: true}
			}
		}
		return a
	})
}

// Every invariant of one invocation, checked against arbitrary chains,
// availability maps, callback outcomes and config.
func TestExecuteProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chain := genChain().Draw(rt, "chain")
		av := genAvailability().Draw(rt, "availability")
		cfg := Config{
			Enabled:     rapid.Bool().Draw(rt, "enabled"),
			MaxAttempts: rapid.IntRange(0, 4).Draw(rt, "maxAttempts"),
		}
		succeedAt := rapid.IntRange(-1, len(chain)-1).Draw(rt, "succeedAt")

		var invoked []int
		invoke := func(_ context.Context, ref policy.ModelRef, _, _ string) (string, error) {
			var idx int
			fmt.Sscanf(ref.Model, "model-%d", &idx)
			invoked = append(invoked, idx)
			if idx == succeedAt {
				return "ok", nil
			}
			return "", errors.New("fail")
		}

		ex := New(fixedChain(chain), WithConfig(StaticConfig(cfg)))
		res, err := ex.Execute(context.Background(), "cap", "p", av, invoke)

		limit := len(chain)
		if cfg.MaxAttempts > 0 && cfg.MaxAttempts < limit {
			limit = cfg.MaxAttempts
		}

		// No unavailable provider is ever invoked.
		for _, idx := range invoked {
			if !av.Available(chain[idx].Provider) {
				rt.Fatalf("invoked unavailable provider %s", chain[idx].Provider)
			}
		}
		// Attempts follow chain order and respect the cap.
		for i := 1; i < len(invoked); i++ {
			if invoked[i] <= invoked[i-1] {
				rt.Fatalf("out of order invocations %v", invoked)
			}
		}
		if len(invoked) > limit {
			rt.Fatalf("%d invocations exceed limit %d", len(invoked), limit)
		}
		if !cfg.Enabled && len(invoked) > 1 {
			rt.Fatalf("fallback disabled but %d invocations", len(invoked))
		}

		var expectedErrs []string
		for _, idx := range invoked {
			if idx != succeedAt {
				expectedErrs = append(expectedErrs, chain[idx].String()+": fail")
			}
		}

		if err == nil {
			last := invoked[len(invoked)-1]
			if last != succeedAt {
				rt.Fatalf("success reported but last invocation %d != %d", last, succeedAt)
			}
			if res.Attempts != len(invoked) {
				rt.Fatalf("attempts %d, invoked %d", res.Attempts, len(invoked))
			}
			if res.ProviderUsed != chain[succeedAt].Provider || res.ModelUsed != chain[succeedAt].Model {
				rt.Fatalf("wrong winner %s/%s", res.ProviderUsed, res.ModelUsed)
			}
			assertSameStrings(rt, expectedErrs, res.Errors)
			return
		}

		var ce *ChainExhaustedError
		if !errors.As(err, &ce) {
			rt.Fatalf("unexpected error type %T", err)
		}
		for _, idx := range invoked {
			if idx == succeedAt {
				rt.Fatalf("exhausted although entry %d succeeded", idx)
			}
		}
		assertSameStrings(rt, expectedErrs, ce.Errors)

		// With fallback on and attempts to spare, exhaustion means every
		// available entry was tried.
		if cfg.Enabled && len(invoked) < limit {
			for i, ref := range chain {
				if av.Available(ref.Provider) && !contains(invoked, i) {
					rt.Fatalf("available entry %d never tried", i)
				}
			}
		}
	})
}

func assertSameStrings(t *rapid.T, want, got []string) {
	if len(want) != len(got) {
		t.Fatalf("errors %v, want %v", got, want)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("errors %v, want %v", got, want)
		}
	}
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
