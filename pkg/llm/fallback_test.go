package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_FirstProviderWins(t *testing.T) {
	primary := NewMockProvider("primary")
	secondary := NewMockProvider("secondary")
	client, err := NewClient(primary, secondary)
	require.NoError(t, err)

	primary.Enqueue("from primary")
	result, err := client.Generate(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "from primary", result.Text)
	assert.Equal(t, "primary", result.Provider)
	assert.Empty(t, secondary.Requests())
}

func TestGenerate_FallsBackAfterRetries(t *testing.T) {
	primary := NewMockProvider("primary")
	secondary := NewMockProvider("secondary")
	client, err := NewClient(primary, secondary)
	require.NoError(t, err)

	primary.FailNext(maxAttemptsPerProvider)
	secondary.Enqueue("from secondary")

	result, err := client.Generate(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", result.Provider)
	assert.Len(t, primary.Requests(), maxAttemptsPerProvider, "primary was retried before fallback")
}

func TestGenerate_AllProvidersFailed(t *testing.T) {
	only := NewMockProvider("only")
	client, err := NewClient(only)
	require.NoError(t, err)

	only.FailNext(maxAttemptsPerProvider)
	_, err = client.Generate(context.Background(), Request{Prompt: "hello"})
	assert.ErrorContains(t, err, "all providers failed")
}

func TestGenerate_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	flaky := NewMockProvider("flaky")
	steady := NewMockProvider("steady")
	client, err := NewClient(flaky, steady)
	require.NoError(t, err)

	// Each failed Generate counts one breaker failure; threshold opens it.
	flaky.FailNext(breakerThreshold * maxAttemptsPerProvider)
	for i := 0; i < breakerThreshold; i++ {
		_, err := client.Generate(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err, "secondary serves while primary fails")
	}

	before := len(flaky.Requests())
	_, err = client.Generate(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, before, len(flaky.Requests()), "open circuit skips the provider entirely")
}

func TestNewClient_RequiresProvider(t *testing.T) {
	_, err := NewClient()
	assert.Error(t, err)
}

func TestEmbed_Deterministic(t *testing.T) {
	mock := NewMockProvider("mock")
	client, err := NewClient(mock)
	require.NoError(t, err)

	a, err := client.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := client.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, embeddingDimensions)
}

func TestDecodeStructured_RepairsSloppyJSON(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var clean payload
	require.NoError(t, DecodeStructured(&Result{Text: `{"name":"a","count":2}`}, &clean))
	assert.Equal(t, payload{Name: "a", Count: 2}, clean)

	// Trailing comma and code fence are typical model sloppiness.
	var sloppy payload
	require.NoError(t, DecodeStructured(&Result{
		Text: "```json\n{\"name\": \"b\", \"count\": 3,}\n```",
	}, &sloppy))
	assert.Equal(t, payload{Name: "b", Count: 3}, sloppy)

	var garbage payload
	assert.Error(t, DecodeStructured(&Result{Text: "not json at all {{{"}, &garbage))
}
