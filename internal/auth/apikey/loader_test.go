package apikey

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/astraguard/keygate/internal/observability"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		wantPairs   []Pair
		wantSkipped []Skipped
	}{
		{
			name:  "mixed entries",
			input: "a:k1, :k2,bad,c:k3",
			wantPairs: []Pair{
				{Name: "a", Token: "k1"},
				{Name: "c", Token: "k3"},
			},
			wantSkipped: []Skipped{
				{Index: 1, Reason: ReasonEmptyName, Preview: "***"},
				{Index: 2, Reason: ReasonMissingSeparator, Preview: "***"},
			},
		},
		{
			name:  "whitespace around parts",
			input: "  svc : tok-1  ,\tother:tok-2",
			wantPairs: []Pair{
				{Name: "svc", Token: "tok-1"},
				{Name: "other", Token: "tok-2"},
			},
		},
		{
			name:  "empty segments ignored",
			input: ",, ,a:k1,",
			wantPairs: []Pair{
				{Name: "a", Token: "k1"},
			},
		},
		{
			name:  "empty input",
			input: "",
		},
		{
			name:  "extra separator",
			input: "a:b:c",
			wantSkipped: []Skipped{
				{Index: 0, Reason: ReasonExtraSeparator, Preview: "****:b:c"},
			},
		},
		{
			name:  "empty key",
			input: "name-only:",
			wantSkipped: []Skipped{
				{Index: 0, Reason: ReasonEmptyToken, Preview: "****nly:"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pairs, skipped := Parse(tt.input)
			assert.Equal(t, tt.wantPairs, pairs)
			assert.Equal(t, tt.wantSkipped, skipped)
		})
	}
}

func TestSkipped_Err(t *testing.T) {
	t.Parallel()

	err := Skipped{Index: 3, Reason: ReasonEmptyName}.Err()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "entry 3")
}

func TestBulkLoader_Load(t *testing.T) {
	t.Parallel()

	store := NewKeyStore()
	loader := NewBulkLoader(store)
	ctx := context.Background()

	report := loader.Load(ctx, "a:k1, :k2,bad,c:k3")
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 0, report.Existing)
	assert.Len(t, report.Skipped, 2)
	assert.Equal(t, 2, store.Count())

	_, err := store.Lookup("k1")
	assert.NoError(t, err)
	_, err = store.Lookup("k3")
	assert.NoError(t, err)

	again := loader.Load(ctx, "a:k1, :k2,bad,c:k3")
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 2, again.Existing)
	assert.Equal(t, 2, store.Count())
}

func TestBulkLoader_LogsMaskedEntries(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	loader := NewBulkLoader(NewKeyStore(),
		WithLoaderLogger(observability.NewLoggerFromZap(zap.New(core))))

	loader.Load(context.Background(), "broken-secret-value,ok:tok")

	warnings := logs.FilterMessage("skipping malformed API key entry").All()
	require.Len(t, warnings, 1)
	entry := warnings[0].ContextMap()["entry"]
	assert.Equal(t, "****alue", entry)
	for _, e := range logs.All() {
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok {
				assert.NotContains(t, s, "broken-secret")
				assert.NotEqual(t, "tok", s)
			}
		}
	}

	summary := logs.FilterMessage("API keys initialized").All()
	require.Len(t, summary, 1)
	assert.Equal(t, int64(1), summary[0].ContextMap()["created"])
}

func TestBulkLoader_LoadFromSecret(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("reads default secret", func(t *testing.T) {
		t.Parallel()

		provider := &fakeProvider{values: map[string]string{DefaultSecretName: "a:k1,b:k2"}}
		store := NewKeyStore()
		report, err := NewBulkLoader(store).LoadFromSecret(ctx, provider, "")
		require.NoError(t, err)
		assert.Equal(t, 2, report.Created)
		assert.Equal(t, 2, store.Count())
	})

	t.Run("missing secret is empty", func(t *testing.T) {
		t.Parallel()

		provider := &fakeProvider{values: map[string]string{}}
		report, err := NewBulkLoader(NewKeyStore()).LoadFromSecret(ctx, provider, "custom")
		require.NoError(t, err)
		assert.Equal(t, &BatchReport{}, report)
	})

	t.Run("provider error", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("vault sealed")
		provider := &fakeProvider{values: map[string]string{}, err: boom}
		_, err := NewBulkLoader(NewKeyStore()).LoadFromSecret(ctx, provider, "")
		assert.ErrorIs(t, err, boom)
	})
}
