package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
)

func TestCacheRepositoryWithoutClientIsAlwaysMiss(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	var dest map[string]int
	assert.ErrorIs(t, repo.Get(context.Background(), "transfers:stats:all", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(context.Background(), "transfers:stats:all", map[string]int{"total": 1}, time.Minute))
	assert.NoError(t, repo.DeleteByPattern(context.Background(), "transfers:stats:*"))
}
