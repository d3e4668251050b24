package coordination

import (
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
)

func TestEntityLocks(t *testing.T) {
	t.Run("SerializesSameEntity", func(t *testing.T) {
		locks := NewEntityLocks()
		counter := 0

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := locks.Lock("alice")
				defer unlock()
				v := counter
				v++
				counter = v
			}()
		}
		wg.Wait()

		require.Equal(t, 100, counter)
		require.Zero(t, locks.Len())
	})

	t.Run("IndependentEntities", func(t *testing.T) {
		locks := NewEntityLocks()
		unlockA := locks.Lock("alice")
		unlockB := locks.Lock("bob")
		require.Equal(t, 2, locks.Len())
		unlockA()
		unlockB()
		require.Zero(t, locks.Len())
	})
}
