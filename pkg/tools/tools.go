// Package tools is the agent's execution surface: a fixed registry of
// tools with parameter schemas, approval policies, a dangerous-command
// validator, per-user rate limiting, and an audit trail.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/agent/parser"
	"github.com/tesslate/studio/pkg/fileops"
	"github.com/tesslate/studio/pkg/graph"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/terminal"
	"github.com/tesslate/studio/pkg/types"
)

// Param describes one tool argument for validation and the prompt.
type Param struct {
	Name        string
	Type        string // string, integer, boolean, array, object
	Description string
	Required    bool
}

// Definition is the static description of one tool.
type Definition struct {
	Name        string
	Description string
	Params      []Param
	Policy      types.ApprovalPolicy
	Write       bool // Subject to the turn's edit mode
	RateLimited bool // Counts against the per-user command budget
}

// Invocation is one tool call bound to its target.
type Invocation struct {
	Project *types.Project
	Dir     string // Target container dir
	ChatID  string
	UserID  string
	Name    string
	Args    map[string]any
}

// Result is what the model sees back. Output carries tool output or a
// readable error; Status tells the model which it got. Class preserves
// the taxonomy bucket for callers that must distinguish an internal
// failure from an ordinary permanent one.
type Result struct {
	Tool   string
	Status types.ToolStatus
	Output string
	Class  types.ErrClass
}

type executor func(ctx context.Context, r *Registry, inv *Invocation) (string, error)

// Registry binds tool definitions to their executors and shared
// dependencies.
type Registry struct {
	files     *fileops.Service
	graph     *graph.Manager
	store     storage.Store
	terminals *terminal.Manager
	limiter   *rateLimiter
	appDomain string

	httpClient   *http.Client
	fetchAllowed []string

	defs  map[string]*Definition
	order []string
	execs map[string]executor

	mu    sync.Mutex
	todos map[string][]todoItem // Keyed by chat id
}

// Options configures registry construction.
type Options struct {
	RatePerMinute int      // Command executions per user per minute
	AppDomain     string   // For preview hosts in metadata output
	FetchAllowed  []string // Extra hosts fetch may reach besides public ones
}

// NewRegistry wires the full tool set.
func NewRegistry(files *fileops.Service, graphMgr *graph.Manager, store storage.Store,
	terminals *terminal.Manager, opts Options) *Registry {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 30
	}
	r := &Registry{
		files:        files,
		graph:        graphMgr,
		store:        store,
		terminals:    terminals,
		limiter:      newRateLimiter(opts.RatePerMinute),
		appDomain:    opts.AppDomain,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		fetchAllowed: opts.FetchAllowed,
		defs:         make(map[string]*Definition),
		execs:        make(map[string]executor),
		todos:        make(map[string][]todoItem),
	}
	r.registerAll()
	return r
}

func (r *Registry) register(def *Definition, fn executor) {
	r.defs[def.Name] = def
	r.execs[def.Name] = fn
	r.order = append(r.order, def.Name)
}

// Definition returns a tool's static description.
func (r *Registry) Definition(name string) (*Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Describe renders the tool list with parameter schemas and the
// grammar version for the system prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool-call grammar %s. Invoke tools with:\n", parser.Version)
	b.WriteString("<tool_call>{\"name\": \"<tool>\", \"args\": {...}}</tool_call>\n")
	b.WriteString("Signal completion with <task_complete/> once the request is fully handled.\n\n")
	b.WriteString("Available tools:\n")
	for _, name := range r.order {
		def := r.defs[name]
		fmt.Fprintf(&b, "\n%s: %s\n", def.Name, def.Description)
		if len(def.Params) == 0 {
			b.WriteString("  args: none\n")
			continue
		}
		b.WriteString("  args:\n")
		for _, p := range def.Params {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	return b.String()
}

// Execute runs an approved or ungated invocation: rate limit, run,
// audit. Execution errors land in the Result, never in the error
// return; the error return is reserved for internal registry bugs.
func (r *Registry) Execute(ctx context.Context, inv *Invocation) *Result {
	def, ok := r.defs[inv.Name]
	if !ok {
		return r.refusalResult(inv, "blocked",
			types.UserErrorf("unknown tool %q", inv.Name))
	}
	if err := r.validateArgs(def, inv.Args); err != nil {
		return r.refusalResult(inv, "blocked", err)
	}

	if def.RateLimited && !r.limiter.allow(inv.UserID) {
		metrics.ToolExecutions.WithLabelValues(inv.Name, "rate_limited").Inc()
		r.audit(inv, "rate_limited", 0, 0, types.ErrRateLimited.Error())
		return &Result{
			Tool:   inv.Name,
			Status: types.ToolStatusUserError,
			Output: fmt.Sprintf("rate limit exceeded: at most %d command executions per minute; wait before retrying", r.limiter.perMinute),
		}
	}

	started := time.Now()
	output, err := r.execs[inv.Name](ctx, r, inv)
	elapsed := time.Since(started)

	status := types.ToolStatusFor(err)
	decision := "executed"
	errText := ""
	if err != nil {
		errText = err.Error()
		output = errText
		log.WithProject(inv.Project.Slug).Debug().
			Str("tool", inv.Name).
			Str("status", string(status)).
			Err(err).
			Msg("Tool execution failed")
	}
	metrics.ToolExecutions.WithLabelValues(inv.Name, decision).Inc()
	r.audit(inv, decision, elapsed, exitCodeOf(err), errText)

	return &Result{Tool: inv.Name, Status: status, Output: output, Class: types.Classify(err)}
}

// Refuse records a non-execution (policy block or denied approval) and
// builds the result the model sees.
func (r *Registry) Refuse(inv *Invocation, decision string, cause error) *Result {
	metrics.ToolExecutions.WithLabelValues(inv.Name, decision).Inc()
	return r.refusalResult(inv, decision, cause)
}

func (r *Registry) refusalResult(inv *Invocation, decision string, cause error) *Result {
	r.audit(inv, decision, 0, 0, cause.Error())
	status := types.ToolStatusFor(cause)
	return &Result{Tool: inv.Name, Status: status, Output: cause.Error(), Class: types.Classify(cause)}
}

// validateArgs enforces required params and rough types before any
// executor runs.
func (r *Registry) validateArgs(def *Definition, args map[string]any) error {
	for _, p := range def.Params {
		v, present := args[p.Name]
		if !present {
			if p.Required {
				return types.UserErrorf("%s: missing required argument %q", def.Name, p.Name)
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return types.UserErrorf("%s: argument %q must have type %s", def.Name, p.Name, p.Type)
		}
	}
	return nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer":
		// JSON numbers decode as float64
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}

// audit appends one trail entry; failures are logged, not propagated.
func (r *Registry) audit(inv *Invocation, decision string, dur time.Duration, exit int, errText string) {
	var policy types.ApprovalPolicy
	if def, ok := r.defs[inv.Name]; ok {
		policy = def.Policy
	}
	entry := &types.AuditEntry{
		ID:         uuid.New().String(),
		Time:       time.Now(),
		UserID:     inv.UserID,
		ProjectID:  inv.Project.ID,
		Tool:       inv.Name,
		ArgsDigest: digestArgs(inv.Args),
		Policy:     policy,
		Decision:   decision,
		Duration:   dur,
		ExitCode:   exit,
		Error:      errText,
	}
	if err := r.store.AppendAudit(entry); err != nil {
		log.WithComponent("tools").Error().Err(err).Msg("Failed to append audit entry")
	}
}

// digestArgs hashes the canonical JSON form of the arguments. Raw
// values stay out of the audit log.
func digestArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(args[k])
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// String helpers shared by executors.

func strArg(args map[string]any, name string) string {
	if v, ok := args[name].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, name string, fallback int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
