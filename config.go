package dqnalloc

import (
	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
)

// Config is the file form of arena and heap settings.
//
//	[arena]
//	min_block_size = 65536
//	reserve = 65536
//	debug_fill = true
//	debug_fill_byte = 0xcd
//
//	[heap]
//	platform = "mmap"
//	limit = 0
//	fatal = false
//
//	[tracer]
//	capacity = 4096
type Config struct {
	Arena  ArenaConfig  `toml:"arena"`
	Heap   HeapConfig   `toml:"heap"`
	Tracer TracerConfig `toml:"tracer"`
}

// ArenaConfig configures arenas built from a Config.
type ArenaConfig struct {
	MinBlockSize  int   `toml:"min_block_size"`
	Reserve       int   `toml:"reserve"`
	DebugFill     bool  `toml:"debug_fill"`
	DebugFillByte uint8 `toml:"debug_fill_byte"`
}

// HeapConfig selects the backing allocator.
type HeapConfig struct {
	Platform string `toml:"platform"` // "go" or "mmap"
	Limit    int64  `toml:"limit"`    // live byte cap for the go platform, 0 for none
	Fatal    bool   `toml:"fatal"`    // XHeap instead of Heap
}

// TracerConfig sizes the tracer.
type TracerConfig struct {
	Capacity int `toml:"capacity"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		Arena:  ArenaConfig{MinBlockSize: DefaultMinBlockSize, DebugFillByte: 0xcd},
		Heap:   HeapConfig{Platform: "go"},
		Tracer: TracerConfig{Capacity: DefaultTracerCapacity},
	}
}

// LoadConfig reads a TOML file over DefaultConfig. Unknown keys are an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "load config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, errors.Newf("config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.Arena.MinBlockSize < 0 {
		return errors.Newf("arena.min_block_size must not be negative, got %d", c.Arena.MinBlockSize)
	}
	if c.Arena.Reserve < 0 {
		return errors.Newf("arena.reserve must not be negative, got %d", c.Arena.Reserve)
	}
	switch c.Heap.Platform {
	case "", "go", "mmap":
	default:
		return errors.Newf("heap.platform must be \"go\" or \"mmap\", got %q", c.Heap.Platform)
	}
	if c.Heap.Limit < 0 {
		return errors.Newf("heap.limit must not be negative, got %d", c.Heap.Limit)
	}
	return nil
}

// ArenaOptions converts the arena settings.
func (c Config) ArenaOptions(logger *slog.Logger) []ArenaOption {
	opts := []ArenaOption{WithMinBlockSize(c.Arena.MinBlockSize)}
	if c.Arena.DebugFill {
		opts = append(opts, WithDebugFill(c.Arena.DebugFillByte))
	}
	if logger != nil {
		opts = append(opts, WithArenaLogger(logger))
	}
	return opts
}

// NewBacking builds the heap allocator described by the settings.
func (c Config) NewBacking(logger *slog.Logger, tracer *Tracer) Allocator {
	var platform Platform
	switch c.Heap.Platform {
	case "mmap":
		platform = NewMmapPlatform()
	default:
		platform = NewCRTAllocator(c.Heap.Limit)
	}
	opts := []AllocatorOption{WithPlatform(platform), WithLogger(logger)}
	if tracer != nil {
		opts = append(opts, WithTracer(tracer))
	}
	if c.Heap.Fatal {
		return XHeapAllocator(opts...)
	}
	return HeapAllocator(opts...)
}

// NewArena builds an arena over a fresh backing allocator.
func (c Config) NewArena(logger *slog.Logger, tracer *Tracer) (*Arena, error) {
	return NewArena(c.NewBacking(logger, tracer), c.Arena.Reserve, c.ArenaOptions(logger)...)
}
