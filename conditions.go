package permit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/permit/logger"
)

// KindEvaluator evaluates conditions of one declared kind. python, sql and
// custom kinds are delegated to evaluators registered by the embedding
// system; the engine never interprets their payloads itself.
type KindEvaluator interface {
	Kind() ConditionKind
	Evaluate(ctx context.Context, cond *Condition, env *Environment) (bool, error)
}

// CacheConfig carries the ristretto sizing knobs for the condition result
// cache.
type CacheConfig struct {
	NumCounters int64 `json:"num_counters" yaml:"num_counters"`
	MaxCost     int64 `json:"max_cost" yaml:"max_cost"`
	BufferItems int64 `json:"buffer_items" yaml:"buffer_items"`
}

// DefaultConditionTimeout bounds delegated evaluator calls.
const DefaultConditionTimeout = 250 * time.Millisecond

// ConditionEvaluator dispatches a Condition to the evaluator registered for
// its kind and caches results for cacheable conditions. Unknown kinds,
// inactive conditions, evaluator errors, timeouts and panics all fail
// closed: the condition reports as not passed, never as passed.
type ConditionEvaluator struct {
	registry map[ConditionKind]KindEvaluator
	cache    *ristretto.Cache
	timeout  time.Duration
	log      logger.Logger
}

// EvaluatorOption configures a ConditionEvaluator.
type EvaluatorOption func(*ConditionEvaluator)

// WithKindEvaluator registers (or replaces) the evaluator for a kind.
func WithKindEvaluator(ev KindEvaluator) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.registry[ev.Kind()] = ev }
}

// WithEvaluatorTimeout bounds delegated (python/sql/custom) evaluator calls.
func WithEvaluatorTimeout(d time.Duration) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.timeout = d }
}

// WithEvaluatorLogger installs a logger.
func WithEvaluatorLogger(l logger.Logger) EvaluatorOption {
	return func(e *ConditionEvaluator) { e.log = l }
}

// NewConditionEvaluator builds an evaluator with the time, location and json
// kinds preregistered and a ristretto-backed result cache. Zero cache fields
// fall back to defaults.
func NewConditionEvaluator(cc CacheConfig, opts ...EvaluatorOption) (*ConditionEvaluator, error) {
	if cc.NumCounters <= 0 {
		cc.NumCounters = 1e5
	}
	if cc.MaxCost <= 0 {
		cc.MaxCost = 1 << 24
	}
	if cc.BufferItems <= 0 {
		cc.BufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cc.NumCounters,
		MaxCost:     cc.MaxCost,
		BufferItems: cc.BufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("condition cache: %w", err)
	}
	e := &ConditionEvaluator{
		registry: map[ConditionKind]KindEvaluator{
			KindTime:     &timeEvaluator{},
			KindLocation: &locationEvaluator{},
			KindJSON:     &jsonEvaluator{},
		},
		cache:   cache,
		timeout: DefaultConditionTimeout,
		log:     logger.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate checks a single condition against the environment.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, cond *Condition, env *Environment) (bool, error) {
	passed, _, err := e.evaluate(ctx, cond, env)
	return passed, err
}

func (e *ConditionEvaluator) evaluate(ctx context.Context, cond *Condition, env *Environment) (passed, cached bool, err error) {
	if !cond.Active {
		return false, false, ErrConditionInactive
	}

	var key string
	if cond.Cacheable && cond.TTL() > 0 {
		key = cond.Code + ":" + fingerprint(env)
		if v, ok := e.cache.Get(key); ok {
			if b, ok := v.(bool); ok {
				return b, true, nil
			}
		}
	}

	ev, ok := e.registry[cond.Kind]
	if !ok {
		return false, false, fmt.Errorf("%w: %s (condition %s)", ErrNoEvaluator, cond.Kind, cond.Code)
	}

	switch cond.Kind {
	case KindTime, KindLocation, KindJSON:
		passed, err = ev.Evaluate(ctx, cond, env)
	default:
		passed, err = e.runBounded(ctx, ev, cond, env)
	}
	if err != nil {
		return false, false, err
	}

	if key != "" {
		e.cache.SetWithTTL(key, passed, 1, cond.TTL())
		// results must be visible to the next evaluation, not eventually
		e.cache.Wait()
	}
	return passed, false, nil
}

// runBounded invokes a delegated evaluator under the configured timeout and
// converts panics into evaluation failures.
func (e *ConditionEvaluator) runBounded(ctx context.Context, ev KindEvaluator, cond *Condition, env *Environment) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		passed bool
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{false, fmt.Errorf("condition %s: evaluator panic: %v", cond.Code, r)}
			}
		}()
		passed, err := ev.Evaluate(ctx, cond, env)
		ch <- result{passed, err}
	}()

	select {
	case r := <-ch:
		return r.passed, r.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return false, fmt.Errorf("%w: condition %s", ErrEvaluatorTimeout, cond.Code)
		}
		return false, ctx.Err()
	}
}

// fingerprint derives a stable hash of the environment fields a cached result
// may depend on. UserID is always part of the key so entries are never shared
// across principals. The timestamp is deliberately excluded; the per
// condition TTL bounds staleness of time-sensitive results instead.
func fingerprint(env *Environment) string {
	ip := ""
	if env.IP != nil {
		ip = env.IP.String()
	}
	data, _ := json.Marshal(struct {
		UserID     string         `json:"u"`
		IP         string         `json:"ip"`
		Location   string         `json:"loc"`
		ModuleCode string         `json:"mod"`
		OrgID      string         `json:"org"`
		ResourceID string         `json:"res"`
		Attrs      map[string]any `json:"attrs"`
	}{env.UserID, ip, env.Location, env.ModuleCode, env.OrgID, env.ResourceID, env.Attrs})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// BUILT-IN KINDS
// ============================================================================

// timeEvaluator checks the context timestamp against a configured window.
// Config: start "09:00", end "18:00", optional days ["mon","tue",...].
// Windows crossing midnight are supported.
type timeEvaluator struct{}

func (timeEvaluator) Kind() ConditionKind { return KindTime }

func (timeEvaluator) Evaluate(_ context.Context, cond *Condition, env *Environment) (bool, error) {
	startS := cfgString(cond.Config, "start")
	endS := cfgString(cond.Config, "end")
	if startS == "" || endS == "" {
		return false, fmt.Errorf("condition %s: time window requires start and end", cond.Code)
	}
	start, err := time.Parse("15:04", startS)
	if err != nil {
		return false, fmt.Errorf("condition %s: bad start %q: %w", cond.Code, startS, err)
	}
	end, err := time.Parse("15:04", endS)
	if err != nil {
		return false, fmt.Errorf("condition %s: bad end %q: %w", cond.Code, endS, err)
	}

	if days := cfgStrings(cond.Config, "days"); len(days) > 0 {
		day := strings.ToLower(env.Time.Weekday().String()[:3])
		found := false
		for _, d := range days {
			if strings.HasPrefix(strings.ToLower(d), day) || strings.HasPrefix(day, strings.ToLower(d)) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	now := env.Time.Hour()*60 + env.Time.Minute()
	s := start.Hour()*60 + start.Minute()
	en := end.Hour()*60 + end.Minute()
	if s <= en {
		return now >= s && now <= en, nil
	}
	// over midnight
	return now >= s || now <= en, nil
}

// locationEvaluator checks the context location or IP against configured
// allow-lists. Config: locations ["HQ","remote-eu"] and/or cidrs
// ["10.0.0.0/8"]. Either list matching passes.
type locationEvaluator struct{}

func (locationEvaluator) Kind() ConditionKind { return KindLocation }

func (locationEvaluator) Evaluate(_ context.Context, cond *Condition, env *Environment) (bool, error) {
	locations := cfgStrings(cond.Config, "locations")
	cidrs := cfgStrings(cond.Config, "cidrs")
	if len(locations) == 0 && len(cidrs) == 0 {
		return false, fmt.Errorf("condition %s: location allow-list is empty", cond.Code)
	}
	for _, l := range locations {
		if strings.EqualFold(l, env.Location) {
			return true, nil
		}
	}
	if env.IP != nil {
		for _, c := range cidrs {
			_, ipnet, err := net.ParseCIDR(c)
			if err != nil {
				return false, fmt.Errorf("condition %s: bad cidr %q: %w", cond.Code, c, err)
			}
			if ipnet.Contains(env.IP) {
				return true, nil
			}
		}
	}
	return false, nil
}

// jsonEvaluator structurally matches a dot-path predicate against the
// environment. Config: path "attrs.department", op (eq, ne, in, exists,
// gte, lte), value. op defaults to eq.
type jsonEvaluator struct{}

func (jsonEvaluator) Kind() ConditionKind { return KindJSON }

func (jsonEvaluator) Evaluate(_ context.Context, cond *Condition, env *Environment) (bool, error) {
	path := cfgString(cond.Config, "path")
	if path == "" {
		return false, fmt.Errorf("condition %s: json predicate requires path", cond.Code)
	}
	op := cfgString(cond.Config, "op")
	if op == "" {
		op = "eq"
	}
	val, found := envField(env, path)
	want := cond.Config["value"]

	switch op {
	case "exists":
		return found && val != nil, nil
	case "eq":
		return found && compareValues(val, want) == 0, nil
	case "ne":
		return !found || compareValues(val, want) != 0, nil
	case "in":
		items, ok := want.([]any)
		if !ok {
			return false, fmt.Errorf("condition %s: op in requires a list value", cond.Code)
		}
		for _, item := range items {
			if compareValues(val, item) == 0 {
				return true, nil
			}
		}
		return false, nil
	case "gte":
		return found && compareValues(val, want) >= 0, nil
	case "lte":
		c := compareValues(val, want)
		return found && (c == 0 || c == -1), nil
	default:
		return false, fmt.Errorf("condition %s: unknown op %q", cond.Code, op)
	}
}

// envField resolves a dot path over the environment: well-known top-level
// fields plus "attrs.<key>".
func envField(env *Environment, path string) (any, bool) {
	switch path {
	case "user_id":
		return env.UserID, true
	case "module_code":
		return env.ModuleCode, true
	case "org_id":
		return env.OrgID, true
	case "resource_id":
		return env.ResourceID, true
	case "location":
		return env.Location, true
	case "ip":
		if env.IP == nil {
			return nil, false
		}
		return env.IP.String(), true
	}
	if key, ok := strings.CutPrefix(path, "attrs."); ok {
		return lookupAttr(env.Attrs, key)
	}
	return nil, false
}

// lookupAttr walks nested maps along a dot path.
func lookupAttr(attrs map[string]any, key string) (any, bool) {
	cur := attrs
	parts := strings.Split(key, ".")
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// compareValues compares two loosely typed values: 0 equal, -1 less or
// unordered, 1 greater.
func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af == bf:
				return 0
			case af < bf:
				return -1
			default:
				return 1
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok && ab == bb {
			return 0
		}
	}
	return -1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// cfgString reads a string from the condition config blob.
func cfgString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return ""
}

// cfgStrings reads a string list from the condition config blob, tolerating
// []any as produced by YAML/JSON decoding.
func cfgStrings(cfg map[string]any, key string) []string {
	if cfg == nil {
		return nil
	}
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
