// Package runtime loads and invokes the user-supplied evaluation module
// (a Node.js or TypeScript file exporting `evaluate(programPath)` and
// optionally `evaluate_stage1..3`), adapted from the temp-dir/exec.Command
// pattern in the teacher's internal/codeeval.runCodeInContainer.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Module is a loaded evaluation module: a resolved JS entry file plus which
// cascade stage functions it exports.
type Module struct {
	entryPath  string
	workDir    string
	HasStage1  bool
	HasStage2  bool
	HasStage3  bool
	HasDirect  bool
	Warnings   []string
}

const exportProbeScript = `
const mod = require(process.argv[2]);
const names = ["evaluate", "evaluate_stage1", "evaluate_stage2", "evaluate_stage3"];
const present = {};
for (const n of names) {
  present[n] = typeof mod[n] === "function";
}
process.stdout.write(JSON.stringify(present));
`

// Load resolves path (transpiling TypeScript to JS first when needed) and
// probes it for the evaluate / evaluate_stage1..3 exports.
func Load(ctx context.Context, path string) (*Module, error) {
	workDir, err := os.MkdirTemp("", "evocore-module-")
	if err != nil {
		return nil, fmt.Errorf("create module workdir: %w", err)
	}

	entry := path
	if strings.HasSuffix(path, ".ts") {
		entry, err = transpileTypeScript(ctx, path, workDir)
		if err != nil {
			os.RemoveAll(workDir)
			return nil, err
		}
	}

	probePath := filepath.Join(workDir, "probe.js")
	if err := os.WriteFile(probePath, []byte(exportProbeScript), 0o644); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("write export probe: %w", err)
	}

	cmd := exec.CommandContext(ctx, "node", probePath, entry)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("probe module exports: %w: %s", err, stderr.String())
	}

	var present map[string]bool
	if err := json.Unmarshal(stdout.Bytes(), &present); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("parse export probe output: %w", err)
	}

	m := &Module{
		entryPath: entry,
		workDir:   workDir,
		HasDirect: present["evaluate"],
		HasStage1: present["evaluate_stage1"],
		HasStage2: present["evaluate_stage2"],
		HasStage3: present["evaluate_stage3"],
	}
	if !m.HasDirect {
		return nil, fmt.Errorf("module %s does not export evaluate", path)
	}
	return m, nil
}

// Close removes the module's temp working directory (transpiled output and
// probe script).
func (m *Module) Close() error {
	return os.RemoveAll(m.workDir)
}

func transpileTypeScript(ctx context.Context, path, workDir string) (string, error) {
	outDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create transpile outdir: %w", err)
	}
	cmd := exec.CommandContext(ctx, "tsc", path,
		"--target", "ES2020",
		"--module", "ESNext",
		"--moduleResolution", "node",
		"--outDir", outDir,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("transpile %s: %w: %s", path, err, stderr.String())
	}
	base := strings.TrimSuffix(filepath.Base(path), ".ts")
	return filepath.Join(outDir, base+".js"), nil
}

// Result is the normalized { metrics, artifacts } shape returned by any
// evaluate* function.
type Result struct {
	Metrics   map[string]float64 `json:"metrics"`
	Artifacts map[string]string  `json:"artifacts,omitempty"`
}

const callHarnessTemplate = `
const mod = require(%q);
const fn = mod[%q];
Promise.resolve(fn(%q)).then((result) => {
  let out = result;
  if (out && typeof out === "object" && !out.metrics) {
    out = { metrics: out };
  }
  process.stdout.write(JSON.stringify(out || { metrics: {} }));
  process.exit(0);
}).catch((err) => {
  process.stderr.write(String(err && err.stack ? err.stack : err));
  process.exit(1);
});
`

// Call invokes the named exported function with programPath, racing it
// against timeout. It accepts a synchronous or promise-returning function
// and normalizes a bare metrics object into { metrics: ... }.
func (m *Module) Call(ctx context.Context, functionName, programPath string, timeout time.Duration) (Result, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	harness := fmt.Sprintf(callHarnessTemplate, m.entryPath, functionName, programPath)
	harnessPath := filepath.Join(m.workDir, "call-"+functionName+".js")
	if err := os.WriteFile(harnessPath, []byte(harness), 0o644); err != nil {
		return Result{}, fmt.Errorf("write call harness: %w", err)
	}
	defer os.Remove(harnessPath)

	cmd := exec.CommandContext(callCtx, "node", harnessPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if callCtx.Err() == context.DeadlineExceeded {
		return Result{}, fmt.Errorf("evaluation timed out after %s", timeout)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w: %s", functionName, err, stderr.String())
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return Result{}, fmt.Errorf("parse %s output: %w", functionName, err)
	}
	return result, nil
}
