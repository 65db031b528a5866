package agents

import (
	"context"
	"fmt"
	"time"
)

// RegisterBuiltins fills the registry with the stock operations agents. The
// handlers simulate execution and report RealExecution=false; deployments
// swap in real handlers through Register.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		desc    Descriptor
		message string
		intent  string
		effects []string
	}{
		{
			desc: Descriptor{
				Name:         "security_scanner",
				Category:     "security",
				Capabilities: []string{"vulnerability_scan", "port_audit", "dependency_check"},
				InputSchema:  map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:      60 * time.Second,
				CostClass:    "agents_per_month",
			},
			message: "Scan complete: 3 medium findings, 0 critical.",
			intent:  "security_scan",
			effects: []string{"scanned 42 hosts"},
		},
		{
			desc: Descriptor{
				Name:         "compliance_auditor",
				Category:     "security",
				Capabilities: []string{"cis_benchmark", "policy_audit"},
				InputSchema:  map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:      60 * time.Second,
				CostClass:    "agents_per_month",
			},
			message: "Audit complete: 94% benchmark compliance.",
			intent:  "compliance_audit",
		},
		{
			desc: Descriptor{
				Name:            "security_hardener",
				Category:        "security",
				Capabilities:    []string{"apply_patches", "tighten_firewall"},
				InputSchema:     map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:         120 * time.Second,
				ApprovalDefault: true,
				CostClass:       "agents_per_month",
			},
			message: "Hardening applied: 12 rules tightened, 3 patches staged.",
			intent:  "security_hardening",
			effects: []string{"firewall rules updated"},
		},
		{
			desc: Descriptor{
				Name:         "cost_analyzer",
				Category:     "finops",
				Capabilities: []string{"spend_breakdown", "idle_detection"},
				InputSchema:  map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:      60 * time.Second,
				CostClass:    "agents_per_month",
			},
			message: "Analysis complete: $1,240/mo idle spend identified.",
			intent:  "cost_analysis",
		},
		{
			desc: Descriptor{
				Name:            "cost_optimizer",
				Category:        "finops",
				Capabilities:    []string{"rightsizing", "reservation_planning"},
				InputSchema:     map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:         90 * time.Second,
				ApprovalDefault: true,
				CostClass:       "agents_per_month",
			},
			message: "Optimization plan ready: projected 18% monthly savings.",
			intent:  "cost_optimization",
			effects: []string{"rightsizing plan drafted"},
		},
		{
			desc: Descriptor{
				Name:         "incident_triager",
				Category:     "incident",
				Capabilities: []string{"alert_correlation", "severity_assessment"},
				InputSchema:  map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:      30 * time.Second,
				CostClass:    "agents_per_month",
			},
			message: "Triage complete: probable cause is the payments service rollout.",
			intent:  "incident_triage",
		},
		{
			desc: Descriptor{
				Name:         "incident_resolver",
				Category:     "incident",
				Capabilities: []string{"rollback", "restart", "scale_out"},
				InputSchema:  map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:      120 * time.Second,
				CostClass:    "agents_per_month",
			},
			message: "Mitigation applied: rolled back payments service to previous release.",
			intent:  "incident_mitigation",
			effects: []string{"service rolled back"},
		},
		{
			desc: Descriptor{
				Name:         "monitoring_agent",
				Category:     "observability",
				Capabilities: []string{"health_check", "metric_snapshot"},
				InputSchema:  map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:      30 * time.Second,
				CostClass:    "agents_per_month",
			},
			message: "All monitored services healthy; error rate 0.02%.",
			intent:  "health_check",
		},
		{
			desc: Descriptor{
				Name:            "deploy_manager",
				Category:        "delivery",
				Capabilities:    []string{"deploy", "canary", "promote"},
				InputSchema:     map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:         180 * time.Second,
				ApprovalDefault: true,
				CostClass:       "agents_per_month",
			},
			message: "Deployment rolled out to 100% of the fleet.",
			intent:  "deployment",
			effects: []string{"release deployed"},
		},
		{
			desc: Descriptor{
				Name:         "report_generator",
				Category:     "reporting",
				Capabilities: []string{"summary_report"},
				InputSchema:  map[string]FieldSpec{"message": {Type: "string", Required: true}},
				Timeout:      30 * time.Second,
				CostClass:    "agents_per_month",
			},
			message: "Report generated and archived.",
			intent:  "reporting",
		},
	}

	for _, b := range builtins {
		b := b
		handler := func(ctx context.Context, input map[string]interface{}) (*Result, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			return &Result{
				AgentName:     b.desc.Name,
				Message:       b.message,
				Intent:        b.intent,
				Confidence:    1,
				Data:          map[string]interface{}{"agent": b.desc.Name, "echo": input["message"]},
				SideEffects:   b.effects,
				RealExecution: false,
			}, nil
		}
		if err := r.Register(b.desc, handler); err != nil {
			return fmt.Errorf("failed to register %s: %w", b.desc.Name, err)
		}
	}
	return nil
}
