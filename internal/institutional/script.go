package institutional

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const defaultRuleTimeout = 50 * time.Millisecond

var (
	errRuleClosed  = errors.New("compliance rule: closed")
	errRuleTimeout = errors.New("compliance rule: timed out")
)

// RuleInput is the view of a transaction handed to the compliance script.
type RuleInput struct {
	Index         int      `json:"index"`
	InstitutionID string   `json:"institution_id"`
	PriorityFee   uint64   `json:"priority_fee"`
	ComputeLimit  uint32   `json:"compute_limit"`
	Notional      string   `json:"notional"`
	Symbols       []string `json:"symbols"`
}

// RuleInstitution is the view of the registered institution.
type RuleInstitution struct {
	ID           string `json:"id"`
	MarketMaker  bool   `json:"market_maker"`
	KYC          bool   `json:"kyc"`
	AML          bool   `json:"aml"`
	Jurisdiction string `json:"jurisdiction"`
}

// rule evaluates exports.check(tx, institution) on a dedicated runtime
// goroutine. goja runtimes are not safe for concurrent use, so every call is
// queued onto the loop.
type rule struct {
	rt      *goja.Runtime
	check   goja.Callable
	timeout time.Duration

	queue  chan func()
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func compileRule(source string, timeout time.Duration) (*rule, error) {
	program, err := goja.Compile("rule_script", source, true)
	if err != nil {
		return nil, fmt.Errorf("compliance rule: compile: %w", err)
	}
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	exports, err := runModule(rt, program)
	if err != nil {
		return nil, err
	}
	check, ok := goja.AssertFunction(exports.Get("check"))
	if !ok {
		return nil, fmt.Errorf("compliance rule: exports.check must be a function")
	}
	if timeout <= 0 {
		timeout = defaultRuleTimeout
	}
	r := &rule{
		rt:      rt,
		check:   check,
		timeout: timeout,
		queue:   make(chan func()),
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("compliance rule: module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("compliance rule: module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("compliance rule: module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("compliance rule: run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("compliance rule: module exports must be an object")
	}
	return object, nil
}

func (r *rule) loop() {
	defer r.wg.Done()
	for fn := range r.queue {
		fn()
	}
}

// Evaluate returns an empty reason when the script accepts the transaction.
// A script returning false or a string rejects it; thrown exceptions and
// timeouts are returned as errors.
func (r *rule) Evaluate(tx RuleInput, inst RuleInstitution) (string, error) {
	type outcome struct {
		reason string
		err    error
	}
	done := make(chan outcome, 1)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return "", errRuleClosed
	}
	r.queue <- func() {
		r.rt.ClearInterrupt()
		timer := time.AfterFunc(r.timeout, func() { r.rt.Interrupt(errRuleTimeout) })
		defer timer.Stop()
		value, err := r.check(goja.Undefined(), r.rt.ToValue(tx), r.rt.ToValue(inst))
		if err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				err = errRuleTimeout
			}
			done <- outcome{err: err}
			return
		}
		done <- outcome{reason: verdict(value)}
	}
	r.mu.RUnlock()

	res := <-done
	return res.reason, res.err
}

func verdict(value goja.Value) string {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return ""
	}
	switch v := value.Export().(type) {
	case bool:
		if v {
			return ""
		}
		return "rejected by rule script"
	case string:
		return strings.TrimSpace(v)
	default:
		if value.ToBoolean() {
			return ""
		}
		return "rejected by rule script"
	}
}

func (r *rule) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		r.wg.Wait()
	})
}
