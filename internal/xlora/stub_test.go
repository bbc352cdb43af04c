package xlora

import (
	"sync"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/kvcache"
)

const (
	stubLayers   = 3
	stubAdapters = 2
	stubHidden   = 4
)

// stubClassifier counts calls and returns a distinct constant per forward.
type stubClassifier struct {
	mu           sync.Mutex
	passValue    float64
	dev          device.Device
	dummyCalls   int
	forwardCalls int
	dummyErr     error
	forwardErr   error
}

func (c *stubClassifier) ScalingPassValue() float64 { return c.passValue }
func (c *stubClassifier) Device() device.Device     { return c.dev }

func (c *stubClassifier) DummyScalings(batch, seqLen int, dev device.Device, dtype device.DType) (*device.Tensor, error) {
	c.mu.Lock()
	c.dummyCalls++
	c.mu.Unlock()
	if c.dummyErr != nil {
		return nil, c.dummyErr
	}
	return device.Full(c.passValue, []int{batch, seqLen, stubLayers, stubAdapters}, dtype, dev)
}

func (c *stubClassifier) Forward(hidden *device.Tensor) (*device.Tensor, error) {
	c.mu.Lock()
	c.forwardCalls++
	n := c.forwardCalls
	c.mu.Unlock()
	if c.forwardErr != nil {
		return nil, c.forwardErr
	}
	return device.Full(0.125*float64(n), []int{hidden.Dim(0), hidden.Dim(1), stubLayers, stubAdapters}, device.F32, c.dev)
}

func (c *stubClassifier) counts() (dummy, forward int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dummyCalls, c.forwardCalls
}

// stubModel records every forward call. Full passes write scratch KV
// entries so a missing reset is observable.
type stubModel struct {
	mu         sync.Mutex
	classifier *stubClassifier
	cache      *kvcache.Cache
	dtype      device.DType
	calls      []ForwardArgs
	forwardErr error
}

func newStubModel(passValue float64) *stubModel {
	cache, err := kvcache.New(stubLayers)
	if err != nil {
		panic(err)
	}
	return &stubModel{
		classifier: &stubClassifier{passValue: passValue, dev: device.CUDA(0)},
		cache:      cache,
		dtype:      device.BF16,
	}
}

func (m *stubModel) Classifier() Classifier { return m.classifier }
func (m *stubModel) DType() device.DType    { return m.dtype }
func (m *stubModel) Cache() *kvcache.Cache  { return m.cache }

func (m *stubModel) Forward(args ForwardArgs) (*device.Tensor, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	if m.forwardErr != nil {
		return nil, m.forwardErr
	}
	b, s, err := args.InputIDs.Dims2()
	if err != nil {
		return nil, err
	}
	if args.IsFullPass {
		for layer := 0; layer < m.cache.Layers(); layer++ {
			k, _ := device.Full(1, []int{b, s, 2}, device.F32, device.CPU())
			if err := m.cache.Append(layer, k, k.Clone()); err != nil {
				return nil, err
			}
		}
	}
	return device.Zeros([]int{b, s, stubHidden}, device.F32, device.CPU())
}

func (m *stubModel) forwardCalls() []ForwardArgs {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ForwardArgs(nil), m.calls...)
}

func ids(batch, seqLen int) *device.Tensor {
	rows := make([][]int32, batch)
	for i := range rows {
		rows[i] = make([]int32, seqLen)
		for j := range rows[i] {
			rows[i][j] = int32(i*100 + j)
		}
	}
	t, err := device.FromIDs(rows)
	if err != nil {
		panic(err)
	}
	return t
}

// decodeRequest builds a request for one token appended to a prefix of
// length pos.
func decodeRequest(batch, pos int, noKV bool) ScalingsRequest {
	return ScalingsRequest{
		InputIDs:          ids(batch, 1),
		InputIDsFull:      ids(batch, pos+1),
		SeqlenOffsets:     []int{pos},
		SeqlenOffsetsFull: []int{0},
		NoKVCache:         noKV,
		PositionIDs:       []int{pos},
	}
}

func prefillRequest(batch, seqLen int, noKV bool) ScalingsRequest {
	return ScalingsRequest{
		InputIDs:          ids(batch, seqLen),
		InputIDsFull:      ids(batch, seqLen),
		SeqlenOffsets:     []int{0},
		SeqlenOffsetsFull: []int{0},
		NoKVCache:         noKV,
		PositionIDs:       []int{0},
	}
}
