package pipeline

import (
	"context"

	"github.com/coachpo/relay/internal/domain/bundle"
	"github.com/coachpo/relay/internal/fees"
	"github.com/coachpo/relay/internal/institutional"
	"github.com/coachpo/relay/internal/optimizer"
	"github.com/coachpo/relay/internal/oracle"
	"github.com/coachpo/relay/internal/validation"
)

// Stage names used in logs and metrics.
const (
	StageValidate      = "validate"
	StageFeePrecheck   = "fee_precheck"
	StageReorder       = "reorder"
	StageOracle        = "oracle"
	StageInstitutional = "institutional"
	StageFinalFee      = "final_fee"
)

// call carries one bundle through the stages.
type call struct {
	bundle   *bundle.Bundle
	result   *Result
	decision *institutional.Decision
}

// Stage is one step of bundle processing. Stages run in order and the first
// error stops the call.
type Stage interface {
	Name() string
	Process(ctx context.Context, c *call) error
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, c *call) error
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Process(ctx context.Context, c *call) error { return s.fn(ctx, c) }

// buildStages selects the stages enabled by configuration.
func buildStages(rt *runtime) []Stage {
	stages := []Stage{
		validateStage(rt.validator),
		feePrecheckStage(rt.schedule),
		stageFunc{name: StageReorder, fn: func(_ context.Context, c *call) error {
			optimizer.Reorder(c.bundle)
			return nil
		}},
	}
	if rt.oracle != nil {
		stages = append(stages, oracleStage(rt.oracle, rt.optimizer))
	}
	if rt.engine != nil {
		stages = append(stages, institutionalStage(rt.engine, rt.oracle))
	}
	return append(stages, finalFeeStage(rt.schedule))
}

func validateStage(v *validation.Validator) Stage {
	return stageFunc{name: StageValidate, fn: func(_ context.Context, c *call) error {
		return v.Validate(c.bundle)
	}}
}

func feePrecheckStage(schedule fees.Schedule) Stage {
	return stageFunc{name: StageFeePrecheck, fn: func(_ context.Context, c *call) error {
		required := schedule.RequiredFee(c.bundle)
		c.result.RequiredFee = required
		return fees.ValidateFee(c.bundle.DeclaredFee, required)
	}}
}

func oracleStage(client *oracle.Client, opt *optimizer.Optimizer) Stage {
	return stageFunc{name: StageOracle, fn: func(ctx context.Context, c *call) error {
		symbols := c.bundle.Symbols()
		if len(symbols) == 0 {
			return nil
		}
		prices := client.Lookup(ctx, symbols)
		report, err := opt.Inject(c.bundle, prices)
		if err != nil {
			return err
		}
		c.result.Report = report
		c.result.Injected = report.Injected
		c.result.Skipped = report.Skipped
		return nil
	}}
}

func institutionalStage(engine *institutional.Engine, client *oracle.Client) Stage {
	return stageFunc{name: StageInstitutional, fn: func(_ context.Context, c *call) error {
		if client != nil {
			c.result.Opportunities = engine.ScanArbitrage(client, c.bundle.Symbols())
		}
		decision, err := engine.Apply(c.bundle)
		if err != nil {
			return err
		}
		c.decision = decision
		c.result.Rejected = decision.Rejected
		report := &c.result.Report
		report.Dependent, report.Independent, report.SharedFeeds = optimizer.Analyze(c.bundle)
		return nil
	}}
}

func finalFeeStage(schedule fees.Schedule) Stage {
	return stageFunc{name: StageFinalFee, fn: func(_ context.Context, c *call) error {
		required := schedule.Estimate(c.bundle, c.result.Injected)
		required = fees.AddSaturating(required,
			schedule.InstitutionalSurcharge(c.bundle.Len(), len(c.result.Opportunities)))
		c.result.RequiredFee = required
		c.result.Value = fees.BundleValue(c.bundle, required)
		return fees.ValidateFee(c.bundle.DeclaredFee, required)
	}}
}
