package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/mipsvm/internal/debug"
	"github.com/tinyrange/mipsvm/internal/devices/gic"
	"github.com/tinyrange/mipsvm/internal/hv"
	"github.com/tinyrange/mipsvm/internal/platform"
)

// step is one operation of a probe script. Offsets are relative to the
// addressed block's MMIO base.
type step struct {
	Op       string `yaml:"op"`
	Block    string `yaml:"block"`
	Offset   uint64 `yaml:"offset"`
	Value    uint64 `yaml:"value"`
	Size     int    `yaml:"size"`
	Cpu      int    `yaml:"cpu"`
	Source   int    `yaml:"source"`
	Level    int    `yaml:"level"`
	Duration string `yaml:"duration"`
}

// probeClock is a manually stepped virtual clock plus one-shot timer
// service, so scripts control exactly when deadlines fire.
type probeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*probeTimer
}

type probeTimer struct {
	deadline time.Duration
	cb       func()
	stopped  bool
}

func (t *probeTimer) Stop() { t.stopped = true }

func (c *probeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *probeClock) Schedule(delay time.Duration, cb func()) gic.TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &probeTimer{deadline: c.now + delay, cb: cb}
	c.timers = append(c.timers, t)
	return t
}

// Advance steps virtual time forward, firing every deadline it crosses in
// deadline order.
func (c *probeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now + d
	for {
		idx := -1
		for i, t := range c.timers {
			if t.stopped || t.deadline > target {
				continue
			}
			if idx == -1 || t.deadline < c.timers[idx].deadline {
				idx = i
			}
		}
		if idx == -1 {
			break
		}
		t := c.timers[idx]
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
		if t.deadline > c.now {
			c.now = t.deadline
		}
		c.mu.Unlock()
		t.cb()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

func (s step) blockBase(p *platform.Platform) (uint64, error) {
	switch s.Block {
	case "", "gic":
		return p.Config().GICBase, nil
	case "gcr":
		return p.Config().GCRBase, nil
	default:
		return 0, fmt.Errorf("unknown block %q", s.Block)
	}
}

func runStep(p *platform.Platform, clock *probeClock, s step) error {
	size := s.Size
	if size == 0 {
		size = 4
	}
	ctx := hv.VcpuContext(s.Cpu)

	switch s.Op {
	case "write":
		base, err := s.blockBase(p)
		if err != nil {
			return err
		}
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(s.Value >> (i * 8))
		}
		if err := p.WriteMMIO(ctx, base+s.Offset, data); err != nil {
			return err
		}
		fmt.Printf("write %s+0x%04x/%d <- 0x%x\n", blockName(s.Block), s.Offset, size, s.Value)
	case "read":
		base, err := s.blockBase(p)
		if err != nil {
			return err
		}
		data := make([]byte, size)
		if err := p.ReadMMIO(ctx, base+s.Offset, data); err != nil {
			return err
		}
		var val uint64
		for i := range data {
			val |= uint64(data[i]) << (i * 8)
		}
		fmt.Printf("read  %s+0x%04x/%d -> 0x%x\n", blockName(s.Block), s.Offset, size, val)
	case "irq":
		p.AssertSource(s.Source, s.Level != 0)
		fmt.Printf("irq   source %d <- %d\n", s.Source, s.Level)
	case "advance":
		d, err := time.ParseDuration(s.Duration)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", s.Duration, err)
		}
		clock.Advance(d)
		fmt.Printf("clock advanced %s (now %s)\n", d, clock.Now())
	case "pins":
		levels := make([]int, 0, 8)
		for pin := 0; pin < 8; pin++ {
			level := 0
			if p.PinLevel(s.Cpu, pin) {
				level = 1
			}
			levels = append(levels, level)
		}
		fmt.Printf("pins  cpu %d: %v\n", s.Cpu, levels)
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

func blockName(block string) string {
	if block == "" {
		return "gic"
	}
	return block
}

func run() error {
	configPath := flag.String("config", "", "machine config YAML (defaults to a single-VPE machine)")
	debugLog := flag.String("debuglog", "", "write the binary debug log to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `gicprobe - drive the interrupt controller from a YAML script

USAGE:
  gicprobe [flags] <script.yaml>

FLAGS:
  -config FILE    Machine config (num_vpe, num_sources, gic_base, gcr_base)
  -debuglog FILE  Capture the device debug log

SCRIPT STEPS:
  - {op: write, offset: 0x80A0, value: 0x3E8, size: 4, cpu: 0}
  - {op: read,  offset: 0x10}
  - {op: irq, source: 3, level: 1}
  - {op: advance, duration: 10us}
  - {op: pins, cpu: 0}

Offsets are relative to the addressed block (block: gic or gcr). The
probe owns the virtual clock; nothing fires unless a step advances it.
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected exactly one script file")
	}

	if *debugLog != "" {
		if err := debug.OpenFile(*debugLog); err != nil {
			return err
		}
		defer debug.Close()
	}

	cfg := platform.DefaultConfig()
	if *configPath != "" {
		loaded, err := platform.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	scriptData, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return err
	}
	var steps []step
	if err := yaml.Unmarshal(scriptData, &steps); err != nil {
		return fmt.Errorf("parse script: %w", err)
	}

	clock := &probeClock{}
	p, err := platform.New(cfg,
		gic.WithClock(clock.Now),
		gic.WithTimerFactory(clock.Schedule),
	)
	if err != nil {
		return err
	}
	defer p.Close()

	for i, s := range steps {
		if err := runStep(p, clock, s); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gicprobe: %v\n", err)
		os.Exit(1)
	}
}
