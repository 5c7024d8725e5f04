package eventservices

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

func TestInstrumentCache(t *testing.T) {
	t.Run("fetches tick value through to the broker once", func(t *testing.T) {
		// arrange
		broker := newMockBroker()
		cache := NewInstrumentCache(broker)

		// act
		first, err := cache.GetTickValue(context.Background(), "MNQ")
		require.NoError(t, err)

		second, err := cache.GetTickValue(context.Background(), "MNQ")
		require.NoError(t, err)

		// assert
		require.Equal(t, "2", first.String())
		require.Equal(t, "2", second.String())
		require.Equal(t, 1, broker.tickValueCallCount())
	})

	t.Run("concurrent misses share one broker call", func(t *testing.T) {
		// arrange
		broker := newMockBroker()
		cache := NewInstrumentCache(broker)

		gate := make(chan struct{})
		var entered sync.Once
		enteredCh := make(chan struct{})

		broker.onTickValue = func(symbol string) {
			entered.Do(func() { close(enteredCh) })
			<-gate
		}

		var wg sync.WaitGroup
		results := make(chan string, 5)

		// act
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()

				value, err := cache.GetTickValue(context.Background(), "MNQ")
				require.NoError(t, err)
				results <- value.String()
			}()
		}

		<-enteredCh
		close(gate)
		wg.Wait()
		close(results)

		// assert
		for value := range results {
			require.Equal(t, "2", value)
		}
		require.Equal(t, 1, broker.tickValueCallCount())
	})

	t.Run("waiter honors context cancellation", func(t *testing.T) {
		// arrange
		broker := newMockBroker()
		cache := NewInstrumentCache(broker)

		gate := make(chan struct{})
		enteredCh := make(chan struct{})

		broker.onTickValue = func(symbol string) {
			close(enteredCh)
			<-gate
		}

		fetchDone := make(chan struct{})
		go func() {
			defer close(fetchDone)
			cache.GetTickValue(context.Background(), "MNQ")
		}()

		<-enteredCh

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		// act
		_, err := cache.GetTickValue(cancelled, "MNQ")

		// assert
		require.ErrorIs(t, err, context.Canceled)

		close(gate)
		<-fetchDone
	})

	t.Run("failed fetch is retried on the next call", func(t *testing.T) {
		// arrange
		broker := newMockBroker()
		broker.tickValueErr = eventmodels.NewBrokerError(eventmodels.BrokerErrorInstrument, "GetInstrumentTickValue", true, eventmodels.ErrSymbolNotFound)
		cache := NewInstrumentCache(broker)

		// act
		_, err := cache.GetTickValue(context.Background(), "MNQ")
		require.Error(t, err)

		broker.mu.Lock()
		broker.tickValueErr = nil
		broker.mu.Unlock()

		value, err := cache.GetTickValue(context.Background(), "MNQ")

		// assert
		require.NoError(t, err)
		require.Equal(t, "2", value.String())
		require.Equal(t, 2, broker.tickValueCallCount())
	})

	t.Run("unknown symbol surfaces ErrSymbolNotFound", func(t *testing.T) {
		// arrange
		broker := newMockBroker()
		cache := NewInstrumentCache(broker)

		// act
		_, err := cache.GetTickValue(context.Background(), "CL")

		// assert
		require.ErrorIs(t, err, eventmodels.ErrSymbolNotFound)
	})

	t.Run("contract ids are cached independently", func(t *testing.T) {
		// arrange
		broker := newMockBroker()
		cache := NewInstrumentCache(broker)

		// act
		id, err := cache.GetContractID(context.Background(), "ES")
		require.NoError(t, err)

		again, err := cache.GetContractID(context.Background(), "ES")
		require.NoError(t, err)

		// assert
		require.Equal(t, "CON.F.US.ES.U25", id)
		require.Equal(t, "CON.F.US.ES.U25", again)
		require.Equal(t, 0, broker.tickValueCallCount())
	})

	t.Run("invalidate forces a refetch", func(t *testing.T) {
		// arrange
		broker := newMockBroker()
		cache := NewInstrumentCache(broker)

		_, err := cache.GetTickValue(context.Background(), "MNQ")
		require.NoError(t, err)
		require.Equal(t, 1, cache.Len())

		// act
		cache.Invalidate()

		// assert
		require.Equal(t, 0, cache.Len())

		_, err = cache.GetTickValue(context.Background(), "MNQ")
		require.NoError(t, err)
		require.Equal(t, 2, broker.tickValueCallCount())
	})
}
