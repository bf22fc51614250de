package errors_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strongroom-io/strongroom/pkg/errors"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.E(errors.KindPrecondition, "breaker active")
	wrapped := fmt.Errorf("deposit rejected: %w", base)

	assert.Equal(t, errors.KindPrecondition, errors.KindOf(wrapped))
	assert.True(t, errors.IsKind(wrapped, errors.KindPrecondition))
	assert.False(t, errors.IsKind(wrapped, errors.KindValidation))
}

func TestSentinelMatching(t *testing.T) {
	sentinel := errors.E(errors.KindPrecondition, "duplicate message")
	got := sentinel.Wrap(fmt.Errorf("key 0xabc"))

	assert.True(t, errors.Is(got, sentinel))
	assert.ErrorContains(t, got, "duplicate message")
	assert.ErrorContains(t, got, "0xabc")
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, errors.KindInternal, errors.KindOf(fmt.Errorf("plain")))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, errors.HTTPStatus(errors.KindValidation))
	assert.Equal(t, http.StatusForbidden, errors.HTTPStatus(errors.KindAuthorization))
	assert.Equal(t, http.StatusConflict, errors.HTTPStatus(errors.KindPrecondition))
	assert.Equal(t, http.StatusNotFound, errors.HTTPStatus(errors.KindNotFound))
	assert.Equal(t, http.StatusInternalServerError, errors.HTTPStatus(errors.KindInvariant))
	assert.Equal(t, http.StatusInternalServerError, errors.HTTPStatus(errors.KindInternal))
}

func TestExplainKeepsKind(t *testing.T) {
	base := errors.E(errors.KindValidation, "amount must be positive")
	got := base.Explain("amount %s must be positive", "-3")

	assert.Equal(t, errors.KindValidation, errors.KindOf(got))
	assert.ErrorContains(t, got, "-3")
	// the original sentinel is untouched
	assert.ErrorContains(t, base, "amount must be positive")
}
