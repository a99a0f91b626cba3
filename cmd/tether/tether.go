// Program tether is a command-line utility for exercising a tether
// provider/consumer pair over an in-memory channel.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/peers"
	"gopkg.in/yaml.v3"
)

var flags struct {
	Config  string        `flag:"config,Path to a YAML configuration file"`
	Name    string        `flag:"name,default=demo,Channel name for the pair"`
	Timeout time.Duration `flag:"timeout,default=5s,Handshake timeout"`
	Lazy    bool          `flag:"lazy,Use a lazy proxy root instead of a materialised tree"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Utilities for exercising tether provider/consumer pairs.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name: "snapshot",
				Help: "Print the snapshot and function paths of the demo API.",
				Run:  runSnapshot,
			},
			{
				Name:  "call",
				Usage: "<path> <argument>...",
				Help: `Call a function path on the demo API.

Arguments are parsed as integers, floats, or booleans where possible, and
passed as strings otherwise. Use the demo API's "counter.make" to see a
handle result.`,
				Run: runCall,
			},
			{
				Name: "demo",
				Help: "Run a scripted tour of the demo API, including handle lifetimes.",
				Run:  runDemo,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// A config is the optional YAML-described overlay merged into the demo API
// under the "config" key.
type config struct {
	Name   string         `yaml:"name"`
	Values map[string]any `yaml:"values"`
}

func loadConfig() (*config, error) {
	cfg := &config{Name: flags.Name}
	if flags.Config == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(flags.Config)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = flags.Name
	}
	return cfg, nil
}

// demoAPI constructs the API tree hosted by the demo provider.
func demoAPI(cfg *config) map[string]any {
	api := map[string]any{
		"version": "0.1.0",
		"started": time.Now(),
		"math": map[string]any{
			"add": func(a, b float64) float64 { return a + b },
			"mul": func(a, b float64) float64 { return a * b },
		},
		"strings": map[string]any{
			"upper":  strings.ToUpper,
			"repeat": func(s string, n int) string { return strings.Repeat(s, n) },
		},
		"counter": map[string]any{
			"make": func(start int) map[string]any {
				n := start
				return map[string]any{
					"start": start,
					"incr":  func() int { n++; return n },
					"value": func() int { return n },
				}
			},
		},
		"fail": func() error { return fmt.Errorf("the demo failure") },
	}
	if len(cfg.Values) != 0 {
		api["config"] = cfg.Values
	}
	return api
}

// startLocal starts a demo pair per the current flags and config.
func startLocal() (*peers.Local, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return peers.NewLocal(demoAPI(cfg),
		&tether.ProviderOptions{Name: cfg.Name},
		&tether.ConsumerOptions{Timeout: flags.Timeout, HideStructure: flags.Lazy},
	)
}

func runSnapshot(env *command.Env) error {
	loc, err := startLocal()
	if err != nil {
		return err
	}
	defer loc.Stop()

	snap, err := loc.Provider.Snapshot()
	if err != nil {
		return err
	}
	fmt.Println("functions:")
	for _, f := range snap.Functions {
		fmt.Println("  -", f)
	}
	fmt.Println("values:")
	return yaml.NewEncoder(os.Stdout).Encode(snap.Values)
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing path argument")
	}
	loc, err := startLocal()
	if err != nil {
		return err
	}
	defer loc.Stop()

	args := make([]any, len(env.Args)-1)
	for i, raw := range env.Args[1:] {
		args[i] = parseArg(raw)
	}
	result, err := loc.Consumer.Call(env.Context(), env.Args[0], args...)
	if err != nil {
		return err
	}
	return printResult(result)
}

func runDemo(env *command.Env) error {
	loc, err := startLocal()
	if err != nil {
		return err
	}
	defer loc.Stop()
	ctx := env.Context()

	fmt.Println("version:", loc.Consumer.Get("version"))

	sum, err := loc.Consumer.Call(ctx, "math.add", 2.0, 3.0)
	if err != nil {
		return err
	}
	fmt.Println("math.add(2, 3):", sum)

	v, err := loc.Consumer.Call(ctx, "counter.make", 10)
	if err != nil {
		return err
	}
	ctr, ok := v.(*tether.Remote)
	if !ok {
		return fmt.Errorf("counter.make: got %T, want a handle", v)
	}
	fmt.Printf("counter.make(10): handle %s (start=%v)\n", ctr.ID(), ctr.Get("start"))
	for range 3 {
		n, err := ctr.Call(ctx, "incr")
		if err != nil {
			return err
		}
		fmt.Println("counter.incr():", n)
	}
	ctr.Release()
	if _, err := ctr.Call(ctx, "incr"); err != nil {
		fmt.Println("after release:", err)
	}
	return nil
}

// parseArg converts a command-line argument to the closest structured value.
func parseArg(s string) any {
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return s
}

func printResult(v any) error {
	if r, ok := v.(*tether.Remote); ok {
		fmt.Printf("handle %s (%v)\n", r.ID(), r.Kind())
		if root := r.Root(); root != nil {
			return yaml.NewEncoder(os.Stdout).Encode(root)
		}
		return nil
	}
	return yaml.NewEncoder(os.Stdout).Encode(v)
}
