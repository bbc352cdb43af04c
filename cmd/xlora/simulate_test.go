package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-xlora/internal/config"
	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/gguf"
	"github.com/23skdu/longbow-xlora/internal/scalingslog"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() *simOptions {
	return &simOptions{
		adapters:  2,
		batch:     2,
		promptLen: 4,
		steps:     3,
		sessions:  2,
		seed:      7,
	}
}

func TestSimulationNonGranular(t *testing.T) {
	cfg := config.Default()
	cfg.Granular = false
	cfg.TgtNonGranularIndex = 2

	var out bytes.Buffer
	opts := testOptions()
	sim, err := newSimulation(cfg, opts, &out)
	require.NoError(t, err)
	defer sim.close()
	assert.Nil(t, sim.log)

	infos, err := sim.run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		assert.Equal(t, int64(4), info.Steps)
		assert.Equal(t, 7, info.Tokens)
		assert.Equal(t, 2, info.Batch)
		assert.True(t, info.NonGranular)
		assert.True(t, info.ScalingsFrozen)
		assert.Equal(t, 2, info.NonGranularIndex)
	}
	assert.Empty(t, sim.engine.Sessions(), "sessions are closed after a run")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, 2, strings.Count(out.String(), "cached=true"))
}

func TestSimulationDeterministic(t *testing.T) {
	cfg := config.Default()
	var a, b bytes.Buffer

	for _, out := range []*bytes.Buffer{&a, &b} {
		opts := testOptions()
		opts.sessions = 1
		sim, err := newSimulation(cfg, opts, out)
		require.NoError(t, err)
		_, err = sim.run(context.Background(), opts)
		require.NoError(t, err)
		sim.close()
	}
	strip := func(s string) []string {
		var fields []string
		for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
			_, rest, _ := strings.Cut(line, " ")
			fields = append(fields, rest)
		}
		return fields
	}
	assert.Equal(t, strip(a.String()), strip(b.String()))
}

func TestSimulationExportIPC(t *testing.T) {
	cfg := config.Default()
	opts := testOptions()
	opts.ipcOut = filepath.Join(t.TempDir(), "scalings.arrow")

	sim, err := newSimulation(cfg, opts, &bytes.Buffer{})
	require.NoError(t, err)
	defer sim.close()
	require.NotNil(t, sim.log)

	_, err = sim.run(context.Background(), opts)
	require.NoError(t, err)
	rows := sim.log.Rows()
	require.Positive(t, rows)
	require.NoError(t, sim.export(context.Background(), opts.ipcOut))
	assert.Zero(t, sim.log.Len())

	f, err := os.Open(opts.ipcOut)
	require.NoError(t, err)
	defer f.Close()
	rdr, err := ipc.NewReader(f)
	require.NoError(t, err)
	defer rdr.Release()
	want := scalingslog.Schema(2)
	require.Equal(t, want.NumFields(), rdr.Schema().NumFields())
	for i, f := range want.Fields() {
		assert.Equal(t, f.Name, rdr.Schema().Field(i).Name)
	}
	var got int64
	for rdr.Next() {
		got += rdr.Record().NumRows()
	}
	require.NoError(t, rdr.Err())
	assert.Equal(t, int64(rows), got)
}

func TestNewSimulationRejectsBadInput(t *testing.T) {
	cfg := config.Default()
	opts := testOptions()
	opts.batch = 0
	_, err := newSimulation(cfg, opts, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid simulation")

	cfg.XLoRAConfigPath = filepath.Join(t.TempDir(), "xlora_config.json")
	require.NoError(t, os.WriteFile(cfg.XLoRAConfigPath, []byte(`{"hidden_size": 16, "adapters": {"a": "a"}}`), 0o644))
	_, err = newSimulation(cfg, testOptions(), &bytes.Buffer{})
	assert.ErrorContains(t, err, "does not match hidden_size")
}

func TestNextTokens(t *testing.T) {
	hidden, err := device.FromFloat32([]float32{
		0.1, 0.9, 0.2, // b0 p0
		0.5, 0.1, 0.0, // b0 p1
		0.0, 0.0, 0.3, // b1 p0
		0.0, 0.2, 0.1, // b1 p1
	}, 2, 2, 3)
	require.NoError(t, err)

	next := nextTokens(hidden, vocabSize)
	require.Len(t, next, 2)
	assert.Equal(t, []int32{16000}, next[0])
	assert.Equal(t, []int32{6401}, next[1])
	for _, row := range next {
		assert.Less(t, row[0], int32(vocabSize))
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 GiB", formatBytes(3<<30))
}

func writeTinyGGUF(t *testing.T) string {
	t.Helper()
	var b bytes.Buffer
	le := func(v interface{}) { require.NoError(t, binary.Write(&b, binary.LittleEndian, v)) }
	str := func(s string) {
		le(uint64(len(s)))
		b.WriteString(s)
	}
	kvU32 := func(k string, v uint32) {
		str(k)
		le(uint32(gguf.ValueTypeUint32))
		le(v)
	}

	le(uint32(gguf.GGUFMagic))
	le(uint32(3))
	le(uint64(0)) // tensors
	le(uint64(6)) // kv
	str("general.architecture")
	le(uint32(gguf.ValueTypeString))
	str("llama")
	kvU32("llama.block_count", 2)
	kvU32("llama.embedding_length", 16)
	kvU32("llama.attention.head_count", 4)
	kvU32("llama.attention.head_count_kv", 2)
	str("tokenizer.ggml.tokens")
	le(uint32(gguf.ValueTypeArray))
	le(uint32(gguf.ValueTypeString))
	le(uint64(3))
	for _, tok := range []string{"<unk>", "▁hi", "▁there"} {
		str(tok)
	}

	path := filepath.Join(t.TempDir(), "tiny.gguf")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func TestSimulationWithGGUFPrompt(t *testing.T) {
	cfg := config.Default()
	opts := testOptions()
	opts.sessions = 1
	opts.batch = 1
	opts.steps = 2
	opts.prompt = "hi there"

	f, err := applyGGUF(&cfg, writeTinyGGUF(t))
	require.NoError(t, err)
	opts.model = f
	assert.Equal(t, "llama", cfg.Architecture)
	assert.Equal(t, 2, cfg.Layers)
	assert.Equal(t, 16, cfg.HiddenSize)
	assert.Equal(t, 8, cfg.KVDim)

	sim, err := newSimulation(cfg, opts, &bytes.Buffer{})
	require.NoError(t, err)
	defer sim.close()
	assert.Equal(t, []int32{1, 2}, sim.promptIDs)
	assert.Equal(t, 3, sim.vocab)

	infos, err := sim.run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 4, infos[0].Tokens)
}

func TestPromptNeedsVocabulary(t *testing.T) {
	opts := testOptions()
	opts.prompt = "hello"
	_, err := newSimulation(config.Default(), opts, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--gguf")
}
