package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublicHidesInternalErrors(t *testing.T) {
	p := Public(errors.New("pq: relation \"messages\" does not exist"))
	assert.Equal(t, KindInternal, p.Kind)
	assert.Equal(t, "internal error", p.Message)

	p = Public(fmt.Errorf("submit: %w", Forbidden("device not owned by caller")))
	assert.Equal(t, KindForbidden, p.Kind)
	assert.Equal(t, "device not owned by caller", p.Message)
}

func TestPublicCarriesRetryHint(t *testing.T) {
	err := Unavailable("analysis failed", 30*time.Second, errors.New("dial tcp: refused"))
	p := Public(err)
	assert.Equal(t, KindUnavailable, p.Kind)
	assert.Equal(t, 30, p.RetryAfterSeconds)
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(p.Kind))
}

func TestSentinelMatching(t *testing.T) {
	errRevoked := NotFound("device revoked")
	wrapped := fmt.Errorf("lookup: %w", NotFound("device revoked"))
	assert.True(t, errors.Is(wrapped, errRevoked))
	assert.False(t, errors.Is(wrapped, NotFound("conversation not found")))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.Equal(t, KindInternal, KindOf(nil))
}
