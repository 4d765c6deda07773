package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	t.Run("parameter order does not matter", func(t *testing.T) {
		a := Fingerprint(EndpointSearch, Params{"query": "golang", "queryType": "Latest"}, 100)
		b := Fingerprint(EndpointSearch, Params{"queryType": "Latest", "query": "golang"}, 100)
		assert.Equal(t, a, b)
	})

	t.Run("different endpoints differ", func(t *testing.T) {
		a := Fingerprint(EndpointSearch, Params{"query": "golang"}, 100)
		b := Fingerprint(EndpointUserTweets, Params{"query": "golang"}, 100)
		assert.NotEqual(t, a, b)
	})

	t.Run("different parameter values differ", func(t *testing.T) {
		a := Fingerprint(EndpointSearch, Params{"query": "golang"}, 100)
		b := Fingerprint(EndpointSearch, Params{"query": "rust"}, 100)
		assert.NotEqual(t, a, b)
	})

	t.Run("result limit is part of the key", func(t *testing.T) {
		a := Fingerprint(EndpointSearch, Params{"query": "golang"}, 100)
		b := Fingerprint(EndpointSearch, Params{"query": "golang"}, 200)
		assert.NotEqual(t, a, b)
	})

	t.Run("nil and empty params are equivalent", func(t *testing.T) {
		assert.Equal(t,
			Fingerprint(EndpointWebhookRules, nil, 0),
			Fingerprint(EndpointWebhookRules, Params{}, 0))
	})

	t.Run("stable hex digest", func(t *testing.T) {
		fp := Fingerprint(EndpointSearch, Params{"query": "golang"}, 100)
		assert.Len(t, fp, 64)
		assert.Equal(t, fp, Fingerprint(EndpointSearch, Params{"query": "golang"}, 100))
	})
}
