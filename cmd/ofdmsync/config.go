package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/ofdmsync/internal/app"
	"github.com/rjboer/ofdmsync/internal/dsp"
	"github.com/rjboer/ofdmsync/internal/rx"
	"github.com/rjboer/ofdmsync/internal/sdr"
)

type cliConfig struct {
	mode         string
	backend      string
	capturePath  string
	sampleRate   float64
	blockSize    int
	timeout      time.Duration
	totalSamples int
	warmupBlocks int
	chains       int
	startTime    time.Duration

	nfft          int
	ncp           int
	numTx         int
	energyRatio   float64
	energyFloor   float64
	corrThreshold float64
	detectJump    int
	initialWait   int
	numSymbols    int
	cfo           string
	hChunks       int
	hSymsPerChunk int
	unwrap        string

	seed       int64
	synthCFO   float64
	noiseStd   float64
	lead       int
	tail       int
	gap        int
	slack      int
	cfoSymbols int

	logPath      string
	tapPath      string
	spectrumSize int
	webAddr      string
	historyLimit int
	advertise    bool
	logLevel     string
	logFormat    string
}

type persistentConfig struct {
	Mode          string  `json:"mode"`
	Backend       string  `json:"backend"`
	CapturePath   string  `json:"capture_path"`
	SampleRate    float64 `json:"sample_rate"`
	BlockSize     int     `json:"block_size"`
	Timeout       string  `json:"timeout"`
	TotalSamples  int     `json:"total_samples"`
	WarmupBlocks  int     `json:"warmup_blocks"`
	Chains        int     `json:"chains"`
	StartTime     string  `json:"start_time"`
	NFFT          int     `json:"nfft"`
	NCP           int     `json:"ncp"`
	NumTx         int     `json:"num_tx"`
	EnergyRatio   float64 `json:"energy_ratio"`
	EnergyFloor   float64 `json:"energy_floor"`
	CorrThreshold float64 `json:"corr_threshold"`
	DetectJump    int     `json:"detect_jump"`
	InitialWait   int     `json:"initial_wait"`
	NumSymbols    int     `json:"num_symbols"`
	CFO           string  `json:"cfo"`
	HChunks       int     `json:"h_chunks"`
	HSymsPerChunk int     `json:"h_syms_per_chunk"`
	Unwrap        string  `json:"unwrap"`
	Seed          int64   `json:"seed"`
	SynthCFO      float64 `json:"synth_cfo"`
	NoiseStd      float64 `json:"noise_std"`
	Lead          int     `json:"lead"`
	Tail          int     `json:"tail"`
	Gap           int     `json:"gap"`
	Slack         int     `json:"slack"`
	CFOSymbols    int     `json:"cfo_symbols"`
	LogPath       string  `json:"log_path"`
	TapPath       string  `json:"tap_path"`
	SpectrumSize  int     `json:"spectrum_size"`
	WebAddr       string  `json:"web_addr"`
	HistoryLimit  int     `json:"history_limit"`
	Advertise     bool    `json:"advertise"`
	LogLevel      string  `json:"log_level"`
	LogFormat     string  `json:"log_format"`
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Mode:          "measure-all",
		Backend:       app.BackendSynth,
		SampleRate:    1e6,
		BlockSize:     4096,
		Timeout:       "2s",
		Chains:        1,
		NFFT:          64,
		NCP:           16,
		NumTx:         2,
		EnergyRatio:   4,
		CorrThreshold: 0.5,
		DetectJump:    -1,
		InitialWait:   rx.DefaultInitialWait,
		NumSymbols:    4,
		HChunks:       4,
		HSymsPerChunk: 2,
		Unwrap:        "auto",
		Seed:          1,
		SynthCFO:      0.0005,
		NoiseStd:      0.01,
		Lead:          2000,
		Tail:          1000,
		Gap:           8,
		Slack:         4,
		CFOSymbols:    4,
		SpectrumSize:  256,
		WebAddr:       ":8080",
		HistoryLimit:  500,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// bindFlags registers the run flags on cmd. Each default comes from the
// OFDMSYNC_* environment variable when set, else from the persisted config.
func bindFlags(cmd *cobra.Command, cfg *cliConfig, lookup func(string) (string, bool), d persistentConfig) {
	fs := cmd.Flags()
	fs.StringVar(&cfg.mode, "mode", envString(lookup, "OFDMSYNC_MODE", d.Mode), "operating mode ("+modeList()+")")
	fs.StringVar(&cfg.backend, "backend", envString(lookup, "OFDMSYNC_BACKEND", d.Backend), "sample backend (synth|mock|replay)")
	fs.StringVar(&cfg.capturePath, "capture", envString(lookup, "OFDMSYNC_CAPTURE", d.CapturePath), "cf32 capture file for the replay backend")
	fs.Float64Var(&cfg.sampleRate, "sample-rate", envFloat(lookup, "OFDMSYNC_SAMPLE_RATE", d.SampleRate), "sample rate in Hz")
	fs.IntVar(&cfg.blockSize, "block-size", envInt(lookup, "OFDMSYNC_BLOCK_SIZE", d.BlockSize), "samples per receive block")
	fs.DurationVar(&cfg.timeout, "timeout", envDuration(lookup, "OFDMSYNC_TIMEOUT", d.Timeout), "per-block receive timeout")
	fs.IntVar(&cfg.totalSamples, "total-samples", envInt(lookup, "OFDMSYNC_TOTAL_SAMPLES", d.TotalSamples), "samples to request, 0 streams continuously")
	fs.IntVar(&cfg.warmupBlocks, "warmup-blocks", envInt(lookup, "OFDMSYNC_WARMUP_BLOCKS", d.WarmupBlocks), "receive blocks discarded before the engine starts")
	fs.IntVar(&cfg.chains, "chains", envInt(lookup, "OFDMSYNC_CHAINS", d.Chains), "independent receive chains run in parallel")
	fs.DurationVar(&cfg.startTime, "start-time", envDuration(lookup, "OFDMSYNC_START_TIME", d.StartTime), "stream time of the first requested sample")

	fs.IntVar(&cfg.nfft, "nfft", envInt(lookup, "OFDMSYNC_NFFT", d.NFFT), "FFT size")
	fs.IntVar(&cfg.ncp, "ncp", envInt(lookup, "OFDMSYNC_NCP", d.NCP), "cyclic prefix length")
	fs.IntVar(&cfg.numTx, "num-tx", envInt(lookup, "OFDMSYNC_NUM_TX", d.NumTx), "number of transmitters")
	fs.Float64Var(&cfg.energyRatio, "energy-ratio", envFloat(lookup, "OFDMSYNC_ENERGY_RATIO", d.EnergyRatio), "energy detection ratio")
	fs.Float64Var(&cfg.energyFloor, "energy-floor", envFloat(lookup, "OFDMSYNC_ENERGY_FLOOR", d.EnergyFloor), "minimum window energy for a detection")
	fs.Float64Var(&cfg.corrThreshold, "corr-threshold", envFloat(lookup, "OFDMSYNC_CORR_THRESHOLD", d.CorrThreshold), "delay correlation threshold")
	fs.IntVar(&cfg.detectJump, "detect-jump", envInt(lookup, "OFDMSYNC_DETECT_JUMP", d.DetectJump), "samples skipped before measurement, -1 aligns to the synthetic burst")
	fs.IntVar(&cfg.initialWait, "initial-wait", envInt(lookup, "OFDMSYNC_INITIAL_WAIT", d.InitialWait), "settling samples before energy detection")
	fs.IntVar(&cfg.numSymbols, "symbols", envInt(lookup, "OFDMSYNC_SYMBOLS", d.NumSymbols), "CFO symbols, or symbols to log; 0 uses --cfo-symbols in the CFO modes")
	fs.StringVar(&cfg.cfo, "cfo", envString(lookup, "OFDMSYNC_CFO", d.CFO), "precomputed CFO in cycles per sample, empty to estimate")
	fs.IntVar(&cfg.hChunks, "h-chunks", envInt(lookup, "OFDMSYNC_H_CHUNKS", d.HChunks), "channel chunks per transmitter")
	fs.IntVar(&cfg.hSymsPerChunk, "h-syms-per-chunk", envInt(lookup, "OFDMSYNC_H_SYMS_PER_CHUNK", d.HSymsPerChunk), "training symbols averaged per chunk")
	fs.StringVar(&cfg.unwrap, "unwrap", envString(lookup, "OFDMSYNC_UNWRAP", d.Unwrap), "timing phase unwrapping (auto|large|small)")

	fs.Int64Var(&cfg.seed, "seed", envInt64(lookup, "OFDMSYNC_SEED", d.Seed), "training and noise seed")
	fs.Float64Var(&cfg.synthCFO, "synth-cfo", envFloat(lookup, "OFDMSYNC_SYNTH_CFO", d.SynthCFO), "CFO injected by the synth backend")
	fs.Float64Var(&cfg.noiseStd, "noise-std", envFloat(lookup, "OFDMSYNC_NOISE_STD", d.NoiseStd), "noise standard deviation of generated samples")
	fs.IntVar(&cfg.lead, "lead", envInt(lookup, "OFDMSYNC_LEAD", d.Lead), "quiet samples before the synthetic burst")
	fs.IntVar(&cfg.tail, "tail", envInt(lookup, "OFDMSYNC_TAIL", d.Tail), "quiet samples after the synthetic burst")
	fs.IntVar(&cfg.gap, "gap", envInt(lookup, "OFDMSYNC_GAP", d.Gap), "samples between preamble and training")
	fs.IntVar(&cfg.slack, "slack", envInt(lookup, "OFDMSYNC_SLACK", d.Slack), "extra preamble samples")
	fs.IntVar(&cfg.cfoSymbols, "cfo-symbols", envInt(lookup, "OFDMSYNC_CFO_SYMBOLS", d.CFOSymbols), "extra preamble periods in the synthetic burst")

	fs.StringVar(&cfg.logPath, "log-path", envString(lookup, "OFDMSYNC_LOG_PATH", d.LogPath), "sample log for the logging modes (.parquet or raw cf32)")
	fs.StringVar(&cfg.tapPath, "tap-path", envString(lookup, "OFDMSYNC_TAP_PATH", d.TapPath), "raw copy of every consumed sample")
	fs.IntVar(&cfg.spectrumSize, "spectrum-size", envInt(lookup, "OFDMSYNC_SPECTRUM_SIZE", d.SpectrumSize), "input spectrum snapshot size, 0 disables")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "OFDMSYNC_WEB_ADDR", d.WebAddr), "telemetry listen address, empty disables")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "OFDMSYNC_HISTORY_LIMIT", d.HistoryLimit), "telemetry records kept in memory")
	fs.BoolVar(&cfg.advertise, "advertise", envBool(lookup, "OFDMSYNC_ADVERTISE", d.Advertise), "advertise the telemetry endpoint over mDNS")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "OFDMSYNC_LOG_LEVEL", d.LogLevel), "debug|info|warn|error")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "OFDMSYNC_LOG_FORMAT", d.LogFormat), "text|json")
}

// parseConfig resolves flags, environment and persisted defaults.
func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	var cfg cliConfig
	cmd := &cobra.Command{Use: "run"}
	bindFlags(cmd, &cfg, lookup, defaults)
	if err := cmd.ParseFlags(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func modeList() string {
	names := make([]string, 0, len(rx.Modes()))
	for _, m := range rx.Modes() {
		names = append(names, m.String())
	}
	return strings.Join(names, "|")
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		Mode:          cfg.mode,
		Backend:       cfg.backend,
		CapturePath:   cfg.capturePath,
		SampleRate:    cfg.sampleRate,
		BlockSize:     cfg.blockSize,
		Timeout:       cfg.timeout.String(),
		TotalSamples:  cfg.totalSamples,
		WarmupBlocks:  cfg.warmupBlocks,
		Chains:        cfg.chains,
		StartTime:     cfg.startTime.String(),
		NFFT:          cfg.nfft,
		NCP:           cfg.ncp,
		NumTx:         cfg.numTx,
		EnergyRatio:   cfg.energyRatio,
		EnergyFloor:   cfg.energyFloor,
		CorrThreshold: cfg.corrThreshold,
		DetectJump:    cfg.detectJump,
		InitialWait:   cfg.initialWait,
		NumSymbols:    cfg.numSymbols,
		CFO:           cfg.cfo,
		HChunks:       cfg.hChunks,
		HSymsPerChunk: cfg.hSymsPerChunk,
		Unwrap:        cfg.unwrap,
		Seed:          cfg.seed,
		SynthCFO:      cfg.synthCFO,
		NoiseStd:      cfg.noiseStd,
		Lead:          cfg.lead,
		Tail:          cfg.tail,
		Gap:           cfg.gap,
		Slack:         cfg.slack,
		CFOSymbols:    cfg.cfoSymbols,
		LogPath:       cfg.logPath,
		TapPath:       cfg.tapPath,
		SpectrumSize:  cfg.spectrumSize,
		WebAddr:       cfg.webAddr,
		HistoryLimit:  cfg.historyLimit,
		Advertise:     cfg.advertise,
		LogLevel:      cfg.logLevel,
		LogFormat:     cfg.logFormat,
	}
}

// appConfigs builds one chain configuration per requested chain. Chains
// differ only in name and seed.
func appConfigs(cfg cliConfig) ([]app.Config, error) {
	mode, err := rx.ParseMode(cfg.mode)
	if err != nil {
		return nil, err
	}
	var precomputed *float64
	if s := strings.TrimSpace(cfg.cfo); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cfo %q: %w", cfg.cfo, err)
		}
		precomputed = &v
	}
	unwrap, err := dsp.ParseUnwrapping(cfg.unwrap)
	if err != nil {
		return nil, err
	}
	if cfg.chains < 1 {
		return nil, fmt.Errorf("chains must be at least 1, got %d", cfg.chains)
	}

	out := make([]app.Config, 0, cfg.chains)
	for i := 0; i < cfg.chains; i++ {
		seed := cfg.seed + int64(i)
		burst := sdr.Burst{
			NFFT:         cfg.nfft,
			NCP:          cfg.ncp,
			NumTx:        cfg.numTx,
			CFOSymbols:   cfg.cfoSymbols,
			Slack:        cfg.slack,
			Gap:          cfg.gap,
			Chunks:       cfg.hChunks,
			SymsPerChunk: cfg.hSymsPerChunk,
			CFO:          cfg.synthCFO,
			Lead:         cfg.lead,
			Tail:         cfg.tail,
			NoiseStd:     cfg.noiseStd,
			// training spectra must match across chains; only noise varies
			Seed: cfg.seed,
		}
		jump := cfg.detectJump
		if jump < 0 {
			symbols := cfg.numSymbols
			if symbols == 0 {
				symbols = cfg.cfoSymbols
			}
			jump = autoJump(burst, mode, symbols)
		}
		out = append(out, app.Config{
			Name:    fmt.Sprintf("rx%d", i),
			Backend: cfg.backend,
			Source: sdr.Config{
				SampleRate: cfg.sampleRate,
				BlockSize:  cfg.blockSize,
				Timeout:    cfg.timeout,
				Path:       cfg.capturePath,
				Seed:       seed,
				NoiseStd:   noiseFor(cfg),
			},
			Burst:        burst,
			TotalSamples: uint64(max(cfg.totalSamples, 0)),
			WarmupBlocks: cfg.warmupBlocks,
			Engine: rx.Config{
				NFFT:               cfg.nfft,
				NCP:                cfg.ncp,
				NumTx:              cfg.numTx,
				NumHeaderSyms:      cfg.cfoSymbols,
				EnergyRatio:        cfg.energyRatio,
				EnergyFloor:        cfg.energyFloor,
				DelayCorrThreshold: cfg.corrThreshold,
				DetectJump:         jump,
				SampleRate:         cfg.sampleRate,
				InitialWait:        cfg.initialWait,
				TimingUnwrap:       unwrap,
			},
			Request: rx.Request{
				Mode:             mode,
				NumSymbols:       cfg.numSymbols,
				PrecomputedCFO:   precomputed,
				NumHChunks:       cfg.hChunks,
				NumHSymsPerChunk: cfg.hSymsPerChunk,
				StartTime:        cfg.startTime,
			},
			LogPath:      chainPath(cfg.logPath, i, cfg.chains),
			TapPath:      chainPath(cfg.tapPath, i, cfg.chains),
			SpectrumSize: cfg.spectrumSize,
		})
	}
	return out, nil
}

// autoJump aligns measurement with the first training symbol of the
// synthetic burst. Preamble periods the CFO stage does not consume are
// skipped along with the jump.
func autoJump(b sdr.Burst, mode rx.Mode, symbols int) int {
	left := b.CFOSymbols
	if mode.HasCFOStage() {
		left -= symbols
	}
	return b.AlignedJump() + max(left, 0)*b.NFFT
}

// noiseFor returns the receiver noise. The synth burst carries its own noise,
// so only the noise-only mock adds it at the receiver.
func noiseFor(cfg cliConfig) float64 {
	if cfg.backend == app.BackendMock {
		return cfg.noiseStd
	}
	return 0
}

// chainPath suffixes path with the chain index when several chains run.
func chainPath(path string, i, n int) string {
	if path == "" || n == 1 {
		return path
	}
	dot := strings.LastIndex(path, ".")
	if dot <= strings.LastIndex(path, "/") {
		return fmt.Sprintf("%s.rx%d", path, i)
	}
	return fmt.Sprintf("%s.rx%d%s", path[:dot], i, path[dot:])
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envInt64(lookup func(string) (string, bool), key string, def int64) int64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

// envDuration falls back to def, itself a duration string, and finally to 0.
func envDuration(lookup func(string) (string, bool), key, def string) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	parsed, _ := time.ParseDuration(def)
	return parsed
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
