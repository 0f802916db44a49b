package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/noah-isme/eca-allocation-api/pkg/errors"
)

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	ctx := context.Background()

	var dest map[string]int
	assert.ErrorIs(t, repo.Get(ctx, "eca:preview:term-1", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(ctx, "eca:preview:term-1", map[string]int{"a": 1}, time.Minute))
	assert.NoError(t, repo.DeleteByPattern(ctx, "eca:*"))
	assert.NoError(t, repo.Close())
}
