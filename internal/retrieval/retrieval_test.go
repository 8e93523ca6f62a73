package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conduitapp/conduit/internal/settings"
)

func TestResolveParams(t *testing.T) {
	t.Parallel()

	base := settings.Defaults()
	base.RAGTopK = 5
	base.RAGMaxCandidates = 20
	base.RAGMinScore = 0.25

	tests := []struct {
		name        string
		requestTopK int
		wantTopK    int
	}{
		{name: "no hint uses strategy value", requestTopK: 0, wantTopK: 5},
		{name: "hint below strategy is raised", requestTopK: 3, wantTopK: 5},
		{name: "hint above strategy wins", requestTopK: 12, wantTopK: 12},
		{name: "hint clamped by max candidates", requestTopK: 50, wantTopK: 20},
		{name: "negative hint ignored", requestTopK: -2, wantTopK: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := ResolveParams(tt.requestTopK, base)
			assert.Equal(t, tt.wantTopK, p.TopK)
			assert.Equal(t, 20, p.MaxCandidates)
			assert.InDelta(t, 0.25, p.MinScore, 1e-9)
		})
	}
}

func TestResolveParams_FloorOfOne(t *testing.T) {
	t.Parallel()

	s := settings.Settings{RAGTopK: 0, RAGMaxCandidates: 0}
	p := ResolveParams(0, s)
	assert.Equal(t, 1, p.TopK)
}
