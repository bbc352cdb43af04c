package xlora

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passValue = 0.3

func TestGetScalings_ShapeErrors(t *testing.T) {
	rank1, err := device.FromUint32([]uint32{1, 2, 3}, 3)
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    ScalingsRequest
		tensor string
	}{
		{"rank 1 input ids", ScalingsRequest{InputIDs: rank1, InputIDsFull: ids(1, 3)}, "input_ids"},
		{"rank 1 full ids", ScalingsRequest{InputIDs: ids(1, 1), InputIDsFull: rank1}, "input_ids_full"},
		{"missing input ids", ScalingsRequest{InputIDsFull: ids(1, 3)}, "input_ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newStubModel(passValue)
			_, err := GetScalings(m, tt.req, NewNonGranularState(1))

			var shapeErr *ShapeError
			require.ErrorAs(t, err, &shapeErr)
			assert.Equal(t, tt.tensor, shapeErr.Tensor)
			assert.Empty(t, m.forwardCalls())
		})
	}
}

func TestGetScalings_GranularRecomputesEveryStep(t *testing.T) {
	m := newStubModel(passValue)

	var prev *device.Tensor
	for step := 0; step < 3; step++ {
		got, err := GetScalings(m, decodeRequest(2, 4+step, false), nil)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 1, stubLayers, stubAdapters}, got.Dims())
		assert.False(t, got.IsFilledWith(passValue), "classifier output must differ from dummy fill")
		if prev != nil {
			assert.False(t, got.BitEqual(prev), "granular mode must recompute")
		}
		prev = got
	}

	_, forwards := m.classifier.counts()
	assert.Equal(t, 3, forwards)
	assert.Len(t, m.forwardCalls(), 3)
	assert.False(t, m.cache.HasScalings(), "granular mode never seeds the cache")
}

func TestGetScalings_ThresholdScenario(t *testing.T) {
	m := newStubModel(passValue)
	state := NewNonGranularState(2)

	first, err := GetScalings(m, decodeRequest(1, 5, false), state)
	require.NoError(t, err)
	assert.False(t, m.cache.HasScalings(), "slot must be empty after step 1")

	second, err := GetScalings(m, decodeRequest(1, 6, false), state)
	require.NoError(t, err)
	require.True(t, m.cache.HasScalings(), "slot must be populated after step 2")
	assert.False(t, first.BitEqual(second))

	dummyBefore, forwardBefore := m.classifier.counts()
	callsBefore := len(m.forwardCalls())

	third, err := GetScalings(m, decodeRequest(1, 7, false), state)
	require.NoError(t, err)
	assert.True(t, third.BitEqual(second), "step 3 must return the frozen scalings")

	dummyAfter, forwardAfter := m.classifier.counts()
	assert.Equal(t, dummyBefore, dummyAfter)
	assert.Equal(t, forwardBefore, forwardAfter)
	assert.Equal(t, callsBefore, len(m.forwardCalls()), "short-circuit performs no forward")
	assert.Equal(t, 2, state.Index(), "short-circuit does not advance the index")
}

func TestGetScalings_PrefillDoesNotAdvance(t *testing.T) {
	m := newStubModel(passValue)
	state := NewNonGranularState(2)

	_, err := GetScalings(m, prefillRequest(1, 6, false), state)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Index())
	assert.False(t, m.cache.HasScalings())

	_, err = GetScalings(m, decodeRequest(1, 6, false), state)
	require.NoError(t, err)
	assert.False(t, m.cache.HasScalings(), "one decode step is short of target 2")

	_, err = GetScalings(m, decodeRequest(1, 7, false), state)
	require.NoError(t, err)
	assert.True(t, m.cache.HasScalings())
	assert.Equal(t, 2, state.Index())
}

func TestGetScalings_ShortCircuitIdempotent(t *testing.T) {
	m := newStubModel(passValue)
	frozen, err := device.Full(0.75, []int{1, 1, stubLayers, stubAdapters}, device.F32, device.CPU())
	require.NoError(t, err)
	m.cache.SetScalings(frozen)

	cachedBefore := testutil.ToFloat64(metrics.ScalingsRequests.WithLabelValues("cached"))
	requests := []ScalingsRequest{
		decodeRequest(1, 3, false),
		decodeRequest(4, 9, true),
		// cached scalings are reused for prefill too
		prefillRequest(2, 16, false),
	}
	for i := 0; i < 3; i++ {
		for _, req := range requests {
			got, err := GetScalings(m, req, NewNonGranularState(5))
			require.NoError(t, err)
			assert.True(t, got.BitEqual(frozen))
		}
	}

	dummy, forwards := m.classifier.counts()
	assert.Zero(t, dummy)
	assert.Zero(t, forwards)
	assert.Empty(t, m.forwardCalls())
	assert.Equal(t, float64(9), testutil.ToFloat64(metrics.ScalingsRequests.WithLabelValues("cached"))-cachedBefore)

	// the returned tensor is a copy
	got, err := GetScalings(m, requests[0], NewNonGranularState(5))
	require.NoError(t, err)
	assert.NotSame(t, frozen, got)
}

func TestGetScalings_FullPassResetsKV(t *testing.T) {
	m := newStubModel(passValue)
	for layer := 0; layer < stubLayers; layer++ {
		prior, _ := device.Full(4, []int{1, 3, 2}, device.F32, device.CPU())
		require.NoError(t, m.cache.Append(layer, prior, prior.Clone()))
	}
	resetsBefore := testutil.ToFloat64(metrics.KVCacheResets)

	req := decodeRequest(1, 3, true)
	got, err := GetScalings(m, req, nil)
	require.NoError(t, err)
	assert.False(t, got.IsFilledWith(passValue))

	slots := m.cache.Slots()
	require.Len(t, slots, stubLayers)
	for i, kv := range slots {
		assert.True(t, kv.K.IsPlaceholder(), "layer %d key not reset", i)
		assert.True(t, kv.V.IsPlaceholder(), "layer %d value not reset", i)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.KVCacheResets)-resetsBefore)

	calls := m.forwardCalls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.True(t, call.IsFullPass)
	assert.True(t, call.NoKVCache)
	assert.Same(t, req.InputIDsFull, call.InputIDs)
	assert.Equal(t, req.SeqlenOffsetsFull, call.SeqlenOffsets)
	require.NotNil(t, call.IsScalingPass)
	assert.Equal(t, passValue, *call.IsScalingPass)

	// dummy scalings follow the engine dtype and classifier device
	assert.Equal(t, []int{1, 1, stubLayers, stubAdapters}, call.Scalings.Dims())
	assert.Equal(t, device.BF16, call.Scalings.DType())
	assert.Equal(t, device.CUDA(0), call.Scalings.Device())
	assert.True(t, call.Scalings.IsFilledWith(passValue))
}

func TestGetScalings_IncrementalPassKeepsKV(t *testing.T) {
	m := newStubModel(passValue)
	prior, _ := device.Full(4, []int{1, 3, 2}, device.F32, device.CPU())
	require.NoError(t, m.cache.Append(0, prior, prior.Clone()))

	req := decodeRequest(1, 3, false)
	_, err := GetScalings(m, req, nil)
	require.NoError(t, err)

	kv, err := m.cache.Get(0)
	require.NoError(t, err)
	assert.True(t, kv.K.BitEqual(prior), "incremental pass must leave KV history intact")

	calls := m.forwardCalls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].IsFullPass)
	assert.False(t, calls[0].NoKVCache)
	assert.Same(t, req.InputIDs, calls[0].InputIDs)
	assert.Equal(t, req.SeqlenOffsets, calls[0].SeqlenOffsets)
	assert.Equal(t, req.PositionIDs, calls[0].ContextLens)
	require.NotNil(t, calls[0].IsScalingPass)
}

func TestGetScalings_ErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")

	t.Run("forward", func(t *testing.T) {
		m := newStubModel(passValue)
		m.forwardErr = boom
		_, err := GetScalings(m, decodeRequest(1, 1, true), NewNonGranularState(1))
		assert.ErrorIs(t, err, boom)
		assert.False(t, m.cache.HasScalings())
		_, forwards := m.classifier.counts()
		assert.Zero(t, forwards)
	})

	t.Run("classifier", func(t *testing.T) {
		m := newStubModel(passValue)
		m.classifier.forwardErr = boom
		_, err := GetScalings(m, decodeRequest(1, 1, false), NewNonGranularState(1))
		assert.ErrorIs(t, err, boom)
		assert.False(t, m.cache.HasScalings())
	})

	t.Run("dummy synthesis", func(t *testing.T) {
		m := newStubModel(passValue)
		m.classifier.dummyErr = boom
		_, err := GetScalings(m, decodeRequest(1, 1, false), nil)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, m.forwardCalls())
	})
}

func TestGetScalings_ConcurrentSingleSeed(t *testing.T) {
	m := newStubModel(passValue)
	state := NewNonGranularState(1)
	seedsBefore := testutil.ToFloat64(metrics.ScalingsCacheSeeds)

	const callers = 32
	results := make([]*device.Tensor, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GetScalings(m, decodeRequest(1, 4, false), state)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ScalingsCacheSeeds)-seedsBefore)
	require.True(t, m.cache.HasScalings())

	frozen := m.cache.Scalings()
	matches := 0
	for _, r := range results {
		if r.BitEqual(frozen) {
			matches++
		}
	}
	assert.GreaterOrEqual(t, matches, 1, "the frozen scalings come from one of the callers")
}

func TestGetScalings_LogsCarryCallerFields(t *testing.T) {
	level := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(level) })

	var buf bytes.Buffer
	log := logger.New(&buf, "json").With("session", "sess-1")

	m := newStubModel(passValue)
	state := NewNonGranularState(1)
	req := decodeRequest(1, 3, false)
	req.Logger = log
	_, err := GetScalings(m, req, state)
	require.NoError(t, err)
	_, err = GetScalings(m, req, state)
	require.NoError(t, err)

	var messages []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "sess-1", entry["session"])
		messages = append(messages, entry["message"].(string))
	}
	assert.Equal(t, []string{"Froze scalings", "Using cached scalings"}, messages)
}
