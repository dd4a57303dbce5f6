package delegate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/covenant-labs/warden/pkg/contracts"
)

func delegateAction(cat contracts.ActionCategory) *contracts.Action {
	return &contracts.Action{
		ID:        "act-1",
		Type:      "demo." + string(cat),
		Category:  cat,
		Risk:      contracts.RiskMedium,
		Requester: contracts.Requester{ID: "agent-1", Type: contracts.RequesterAgent},
	}
}

func delegateContext() *contracts.TrustContext {
	return &contracts.TrustContext{
		UserID:    "user-1",
		Level:     contracts.TrustEnterprise,
		SessionID: "sess-1",
	}
}

func fixedDelegate(d *contracts.ManagerDecision, err error) Func {
	return func(context.Context, *contracts.Action, *contracts.TrustContext) (*contracts.ManagerDecision, error) {
		return d, err
	}
}

func TestConfidentApprovalExecutes(t *testing.T) {
	a := NewArbiter(fixedDelegate(&contracts.ManagerDecision{
		Decision:   contracts.ManagerApprove,
		Confidence: 0.95,
	}, nil), Config{})

	v := a.Decide(context.Background(), delegateAction(contracts.CategoryPayment), delegateContext())
	assert.True(t, v.Approved)
	assert.False(t, v.EscalateToHuman)
}

func TestLowConfidenceEscalates(t *testing.T) {
	a := NewArbiter(fixedDelegate(&contracts.ManagerDecision{
		Decision:   contracts.ManagerApprove,
		Confidence: 0.5,
	}, nil), Config{ConfidenceThreshold: 0.8})

	v := a.Decide(context.Background(), delegateAction(contracts.CategoryPayment), delegateContext())
	assert.False(t, v.Approved)
	assert.True(t, v.EscalateToHuman)
}

func TestEscalateFlagWinsOverApproval(t *testing.T) {
	a := NewArbiter(fixedDelegate(&contracts.ManagerDecision{
		Decision:        contracts.ManagerApprove,
		Confidence:      0.99,
		EscalateToHuman: true,
	}, nil), Config{})

	v := a.Decide(context.Background(), delegateAction(contracts.CategoryPayment), delegateContext())
	assert.False(t, v.Approved)
	assert.True(t, v.EscalateToHuman)
}

func TestDenyFallsBackToHuman(t *testing.T) {
	a := NewArbiter(fixedDelegate(&contracts.ManagerDecision{
		Decision:  contracts.ManagerDeny,
		Reasoning: "vendor looks fraudulent",
	}, nil), Config{})

	v := a.Decide(context.Background(), delegateAction(contracts.CategoryPayment), delegateContext())
	assert.False(t, v.Approved)
	assert.True(t, v.EscalateToHuman)
	assert.Contains(t, v.Reason, "fraudulent")
}

func TestEscalationCategoriesNeverDelegated(t *testing.T) {
	called := false
	a := NewArbiter(Func(func(context.Context, *contracts.Action, *contracts.TrustContext) (*contracts.ManagerDecision, error) {
		called = true
		return &contracts.ManagerDecision{Decision: contracts.ManagerApprove, Confidence: 1}, nil
	}), Config{EscalationCategories: []contracts.ActionCategory{contracts.CategorySecurity}})

	v := a.Decide(context.Background(), delegateAction(contracts.CategorySecurity), delegateContext())
	assert.False(t, v.Approved)
	assert.True(t, v.EscalateToHuman)
	assert.False(t, called, "delegate must not even be consulted")
}

func TestDelegateErrorEscalates(t *testing.T) {
	a := NewArbiter(fixedDelegate(nil, errors.New("model timeout")), Config{})

	v := a.Decide(context.Background(), delegateAction(contracts.CategoryPayment), delegateContext())
	assert.False(t, v.Approved)
	assert.True(t, v.EscalateToHuman)
}

func TestNilDelegateEscalates(t *testing.T) {
	a := NewArbiter(nil, Config{})

	v := a.Decide(context.Background(), delegateAction(contracts.CategoryPayment), delegateContext())
	assert.False(t, v.Approved)
	assert.True(t, v.EscalateToHuman)
}
