package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"strings"

	"github.com/23skdu/longbow-xlora/internal/config"
	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/engine"
	"github.com/23skdu/longbow-xlora/internal/gguf"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/23skdu/longbow-xlora/internal/lora"
	"github.com/23skdu/longbow-xlora/internal/models"
	"github.com/23skdu/longbow-xlora/internal/scalingslog"
	"github.com/23skdu/longbow-xlora/internal/tokenizer"
	"github.com/23skdu/longbow-xlora/internal/xlora/classifier"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

const vocabSize = 32000

type simOptions struct {
	arch         string
	xloraPath    string
	orderingPath string
	flightAddr   string
	ggufPath     string
	prompt       string
	ipcOut       string

	model *gguf.File

	adapters  int64
	batch     int64
	promptLen int64
	steps     int64
	sessions  int64
	target    int64
	seed      int64

	nonGranular bool
	noKVCache   bool
}

func (o *simOptions) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "arch", Usage: "model family", Destination: &o.arch},
		&cli.StringFlag{Name: "xlora-config", Usage: "xlora_config.json for the classifier", Destination: &o.xloraPath},
		&cli.StringFlag{Name: "ordering", Usage: "adapter ordering JSON file", Destination: &o.orderingPath},
		&cli.StringFlag{Name: "gguf", Usage: "take architecture and geometry from a GGUF file or Ollama model", Destination: &o.ggufPath},
		&cli.StringFlag{Name: "prompt", Usage: "prompt text, tokenized with the --gguf vocabulary", Destination: &o.prompt},
		&cli.StringFlag{Name: "flight", Usage: "Arrow Flight address to export scalings to", Destination: &o.flightAddr},
		&cli.Int64Flag{Name: "adapters", Usage: "adapter count when no xlora config is given", Value: 3, Destination: &o.adapters},
		&cli.Int64Flag{Name: "batch", Aliases: []string{"b"}, Usage: "sequences per session", Value: 1, Destination: &o.batch},
		&cli.Int64Flag{Name: "prompt-len", Usage: "prompt tokens per sequence", Value: 8, Destination: &o.promptLen},
		&cli.Int64Flag{Name: "steps", Aliases: []string{"n"}, Usage: "decode steps after the prompt", Value: 16, Destination: &o.steps},
		&cli.Int64Flag{Name: "sessions", Usage: "concurrent sessions", Value: 1, Destination: &o.sessions},
		&cli.Int64Flag{Name: "target", Usage: "decode step at which scalings freeze", Destination: &o.target},
		&cli.Int64Flag{Name: "seed", Usage: "seed for classifier weights and prompts", Value: 42, Destination: &o.seed},
		&cli.BoolFlag{Name: "non-granular", Usage: "freeze scalings after --target decode steps", Destination: &o.nonGranular},
		&cli.BoolFlag{Name: "no-kv-cache", Usage: "recompute the whole sequence every step", Destination: &o.noKVCache},
	}
}

// apply layers explicitly set flags over cfg.
func (o *simOptions) apply(cmd *cli.Command, cfg *config.Config) error {
	if o.ggufPath != "" {
		f, err := applyGGUF(cfg, o.ggufPath)
		if err != nil {
			return err
		}
		o.model = f
	}
	if o.arch != "" {
		cfg.Architecture = o.arch
	}
	if o.xloraPath != "" {
		cfg.XLoRAConfigPath = o.xloraPath
	}
	if o.orderingPath != "" {
		cfg.OrderingPath = o.orderingPath
	}
	if o.flightAddr != "" {
		cfg.FlightAddr = o.flightAddr
	}
	if cmd.IsSet("non-granular") {
		cfg.Granular = !o.nonGranular
	}
	if cmd.IsSet("target") {
		cfg.TgtNonGranularIndex = int(o.target)
	}
	if cmd.IsSet("no-kv-cache") {
		cfg.NoKVCache = o.noKVCache
	}
	return nil
}

func simulateCmd() *cli.Command {
	var opts simOptions

	return &cli.Command{
		Name:  "simulate",
		Usage: "Drive sessions through the reference backbone and print their scalings",
		Flags: append(opts.flags(),
			&cli.StringFlag{Name: "ipc-out", Usage: "write the scalings log as an Arrow IPC stream", Destination: &opts.ipcOut},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := appConfig
			if err := opts.apply(cmd, &cfg); err != nil {
				return err
			}

			sim, err := newSimulation(cfg, &opts, os.Stdout)
			if err != nil {
				return err
			}
			defer sim.close()

			infos, err := sim.run(ctx, &opts)
			if err != nil {
				return err
			}
			if err := sim.export(ctx, opts.ipcOut); err != nil {
				return err
			}

			out, err := json.MarshalIndent(infos, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

type simulation struct {
	cfg        config.Config
	ordering   *lora.Ordering
	engine     *engine.Engine
	log        *scalingslog.Log
	sink       *scalingslog.FlightSink
	backbone   *models.ReferenceBackbone
	classifier *classifier.Classifier
	rng        *rand.Rand
	out        io.Writer

	promptIDs []int32
	vocab     int
}

func newSimulation(cfg config.Config, opts *simOptions, out io.Writer) (*simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.batch <= 0 || opts.promptLen <= 0 || opts.sessions <= 0 || opts.steps < 0 {
		return nil, fmt.Errorf("invalid simulation: batch=%d prompt-len=%d sessions=%d steps=%d",
			opts.batch, opts.promptLen, opts.sessions, opts.steps)
	}
	dev, err := cfg.ParseDevice()
	if err != nil {
		return nil, err
	}

	xcfg, err := loadXLoRA(cfg, opts)
	if err != nil {
		return nil, err
	}
	var ordering *lora.Ordering
	if cfg.OrderingPath != "" {
		ordering, err = lora.LoadOrdering(cfg.OrderingPath)
		if err != nil {
			return nil, err
		}
		if ordering.NumAdapters() != len(xcfg.Adapters) {
			return nil, fmt.Errorf("ordering has %d adapters, classifier has %d", ordering.NumAdapters(), len(xcfg.Adapters))
		}
	}

	clf, err := classifier.New(xcfg, cfg.Layers, dev)
	if err != nil {
		return nil, err
	}
	backbone, err := models.NewReferenceBackbone(cfg.Layers, cfg.HiddenSize, cfg.KVDim)
	if err != nil {
		return nil, err
	}

	s := &simulation{
		cfg:        cfg,
		ordering:   ordering,
		backbone:   backbone,
		classifier: clf,
		rng:        rand.New(rand.NewPCG(uint64(opts.seed), 0)),
		out:        out,
		vocab:      vocabSize,
	}
	if opts.prompt != "" {
		if opts.model == nil {
			return nil, fmt.Errorf("--prompt needs a --gguf vocabulary")
		}
		tok, err := tokenizer.FromFile(opts.model)
		if err != nil {
			return nil, err
		}
		s.promptIDs = tok.Encode(opts.prompt)
		if len(s.promptIDs) == 0 {
			return nil, fmt.Errorf("prompt %q produced no tokens", opts.prompt)
		}
		s.vocab = len(tok.Tokens)
	}

	if cfg.FlightAddr != "" {
		s.sink, err = scalingslog.NewFlightSink(cfg.FlightAddr)
		if err != nil {
			return nil, err
		}
	}
	if cfg.ScalingsLog || s.sink != nil || opts.ipcOut != "" {
		var sink scalingslog.Sink
		if s.sink != nil {
			sink = s.sink
		}
		s.log, err = scalingslog.New(len(xcfg.Adapters), sink)
		if err != nil {
			s.close()
			return nil, err
		}
	}

	s.engine, err = engine.New(cfg, device.NewMemoryUsage(), s.log)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func loadXLoRA(cfg config.Config, opts *simOptions) (config.XLoRAConfig, error) {
	if cfg.XLoRAConfigPath != "" {
		xcfg, err := config.LoadXLoRA(cfg.XLoRAConfigPath)
		if err != nil {
			return xcfg, err
		}
		if xcfg.HiddenSize != cfg.HiddenSize {
			return xcfg, fmt.Errorf("xlora config hidden_size %d does not match hidden_size %d", xcfg.HiddenSize, cfg.HiddenSize)
		}
		return xcfg, nil
	}

	xcfg := config.DefaultXLoRA()
	xcfg.HiddenSize = cfg.HiddenSize
	xcfg.Seed = opts.seed
	xcfg.Adapters = make(map[string]string, opts.adapters)
	for i := 0; i < int(opts.adapters); i++ {
		name := fmt.Sprintf("adapter_%d", i)
		xcfg.Adapters[name] = name
	}
	return xcfg, xcfg.Validate()
}

// run opens opts.sessions sessions, feeds each a random prompt and then
// opts.steps greedy decode steps. It returns the session snapshots taken
// before the sessions are closed.
func (s *simulation) run(ctx context.Context, opts *simOptions) ([]engine.SessionInfo, error) {
	sessions := make([]*engine.Session, 0, opts.sessions)
	defer func() {
		for _, sess := range sessions {
			sess.Close()
		}
	}()
	for i := 0; i < int(opts.sessions); i++ {
		model, err := models.New(s.cfg.GetArchitecture(), s.backbone, s.classifier, models.Options{
			Layers:   s.cfg.Layers,
			Ordering: s.ordering,
			DType:    s.cfg.DType,
		})
		if err != nil {
			return nil, err
		}
		sess, err := s.engine.NewSession(model, s.engine.SessionOptionsFromConfig())
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	tokens := make([][][]int32, len(sessions))
	for i := range tokens {
		tokens[i] = s.prompt(int(opts.batch), int(opts.promptLen))
	}

	for step := int64(0); step <= opts.steps; step++ {
		reqs := make([]engine.StepRequest, len(sessions))
		for i, sess := range sessions {
			reqs[i] = engine.StepRequest{Session: sess, Tokens: tokens[i]}
		}
		results, err := s.engine.StepAll(ctx, reqs)
		if err != nil {
			return nil, err
		}
		for i, res := range results {
			s.report(sessions[i].ID(), res)
			tokens[i] = nextTokens(res.Hidden, s.vocab)
		}
	}

	infos := make([]engine.SessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = sess.Info()
	}
	return infos, nil
}

// prompt returns the tokenized prompt for every row, or random tokens when
// no prompt text was given.
func (s *simulation) prompt(batch, seqLen int) [][]int32 {
	rows := make([][]int32, batch)
	for b := range rows {
		if s.promptIDs != nil {
			rows[b] = slices.Clone(s.promptIDs)
			continue
		}
		rows[b] = make([]int32, seqLen)
		for p := range rows[b] {
			rows[b][p] = int32(s.rng.IntN(s.vocab))
		}
	}
	return rows
}

// nextTokens picks one token per row from the last position's hidden state.
func nextTokens(hidden *device.Tensor, vocab int) [][]int32 {
	batch, seqLen, h := hidden.Dim(0), hidden.Dim(1), hidden.Dim(2)
	data := hidden.Float32s()
	next := make([][]int32, batch)
	for b := range next {
		row := data[(b*seqLen+seqLen-1)*h : (b*seqLen+seqLen)*h]
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		tok := int32(int64(math.Abs(float64(row[best]))*float64(vocab)+float64(best)) % int64(vocab))
		next[b] = []int32{tok}
	}
	return next
}

// report prints the per-adapter mean of a step's scalings.
func (s *simulation) report(session string, res *engine.StepResult) {
	adapters := res.Scalings.Dim(-1)
	means := make([]float64, adapters)
	data := res.Scalings.Float32s()
	for i, v := range data {
		means[i%adapters] += float64(v)
	}
	parts := make([]string, adapters)
	for a := range means {
		parts[a] = fmt.Sprintf("%.4f", means[a]/float64(len(data)/adapters))
	}
	_, _ = fmt.Fprintf(s.out, "session=%s step=%d cached=%t scalings=[%s]\n",
		session[:8], res.Step, res.Cached, strings.Join(parts, " "))
}

// export writes the scalings log to ipcOut, if set, and then flushes it to
// the configured sink.
func (s *simulation) export(ctx context.Context, ipcOut string) error {
	if s.log == nil {
		return nil
	}
	if ipcOut != "" {
		f, err := os.Create(ipcOut)
		if err != nil {
			return err
		}
		if err := s.log.WriteIPC(f); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Log.Info("Wrote scalings log", "path", ipcOut, "rows", s.log.Rows())
	}
	return s.engine.FlushScalings(ctx)
}

func (s *simulation) close() {
	if s.engine != nil {
		s.engine.Close()
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			logger.Log.Warn("Failed to close flight sink", "error", err)
		}
	}
}
