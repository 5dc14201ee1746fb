package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindNetwork, cause, "direct fetch failed")

	assert.Equal(t, "NetworkError: direct fetch failed: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "SelectorTimeout", New(KindSelectorTimeout, "").Error())
}

func TestError_WithOriginCopies(t *testing.T) {
	shared := New(KindSelectorTimeout, "wait selector never appeared")

	a := shared.WithOrigin("https://a.example:443")
	b := shared.WithOrigin("https://b.example:443")

	assert.Empty(t, shared.Origin)
	assert.Equal(t, "https://a.example:443", a.Origin)
	assert.Equal(t, "https://b.example:443", b.Origin)
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("escalation: %w", New(KindBrowserUnavailable, "launch failed"))

	assert.Equal(t, KindBrowserUnavailable, KindOf(wrapped))
	assert.Equal(t, KindCanceled, KindOf(context.Canceled))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestFrom(t *testing.T) {
	orig := New(KindPoolExhausted, "queue wait exceeded")
	assert.Same(t, orig, From(orig, KindInternal))

	fe := From(errors.New("boom"), KindNetwork)
	require.NotNil(t, fe)
	assert.Equal(t, KindNetwork, fe.Kind)

	assert.Equal(t, KindCanceled, From(context.Canceled, KindNetwork).Kind)
	assert.Nil(t, From(nil, KindNetwork))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindNetwork, http.StatusBadGateway},
		{KindChallengeUnsolved, http.StatusBadGateway},
		{KindReadyStateTimeout, http.StatusGatewayTimeout},
		{KindSelectorTimeout, http.StatusGatewayTimeout},
		{KindPoolExhausted, http.StatusGatewayTimeout},
		{KindBrowserUnavailable, http.StatusServiceUnavailable},
		{KindCanceled, 499},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}
