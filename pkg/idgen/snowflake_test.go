package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsOutOfRangeNode(t *testing.T) {
	assert.Error(t, Init(4096))
	require.NoError(t, Init(3))
}

func TestGeneratedNumbersAreUnique(t *testing.T) {
	const n = 2000
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				no := GenerateTransactionNo()
				mu.Lock()
				seen[no] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.True(t, strings.HasPrefix(GenerateCancelNo(), "CXL"))
	assert.True(t, strings.HasPrefix(GenerateOfflineNo(), "OFL"))
}
