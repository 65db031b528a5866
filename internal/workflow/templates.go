package workflow

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in template types.
const (
	TypeSecurityHardening  = "security_hardening"
	TypeCostOptimization   = "cost_optimization"
	TypeIncidentResponse   = "incident_response"
	TypeDeploymentPipeline = "deployment_pipeline"
)

// Catalog holds the workflow templates. Built-ins are always present; a YAML
// file can add or override entries at startup.
type Catalog struct {
	templates map[string]Template
	order     []string
}

// NewCatalog returns a catalog with the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[string]Template)}
	for _, t := range builtinTemplates() {
		c.add(t)
	}
	return c
}

func (c *Catalog) add(t Template) {
	if _, exists := c.templates[t.Type]; !exists {
		c.order = append(c.order, t.Type)
	}
	c.templates[t.Type] = t
}

// LoadFile merges templates from a YAML catalog file.
func (c *Catalog) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read template catalog: %w", err)
	}
	var doc struct {
		Templates []struct {
			Type              string   `yaml:"type"`
			Name              string   `yaml:"name"`
			Steps             []Step   `yaml:"steps"`
			EstimatedDuration string   `yaml:"estimated_duration"`
			RiskLevel         string   `yaml:"risk_level"`
			Keywords          []string `yaml:"keywords"`
		} `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse template catalog: %w", err)
	}
	for _, entry := range doc.Templates {
		if entry.Type == "" || len(entry.Steps) == 0 {
			return fmt.Errorf("template %q needs a type and at least one step", entry.Name)
		}
		t := Template{
			Type:      entry.Type,
			Name:      entry.Name,
			Steps:     entry.Steps,
			RiskLevel: entry.RiskLevel,
			Keywords:  entry.Keywords,
		}
		if entry.EstimatedDuration != "" {
			d, err := time.ParseDuration(entry.EstimatedDuration)
			if err != nil {
				return fmt.Errorf("template %q has a bad estimated_duration: %w", entry.Type, err)
			}
			t.EstimatedDuration = d
		}
		c.add(t)
	}
	return nil
}

// Get resolves a template by type.
func (c *Catalog) Get(templateType string) (Template, bool) {
	t, ok := c.templates[templateType]
	return t, ok
}

// List returns all templates sorted by type.
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// DetectIntent scans a free-text message for template keywords and returns
// the first matching type in declaration order. Pure lookup, no agent.
func (c *Catalog) DetectIntent(message string) (string, bool) {
	lowered := strings.ToLower(message)
	for _, templateType := range c.order {
		for _, keyword := range c.templates[templateType].Keywords {
			if strings.Contains(lowered, keyword) {
				return templateType, true
			}
		}
	}
	return "", false
}

func builtinTemplates() []Template {
	return []Template{
		{
			Type:              TypeSecurityHardening,
			Name:              "Security Hardening",
			EstimatedDuration: 20 * time.Minute,
			RiskLevel:         "high",
			Keywords:          []string{"harden", "vulnerability", "cve", "security audit"},
			Steps: []Step{
				{AgentName: "security_scanner", DisplayName: "Scan infrastructure", Required: true},
				{AgentName: "compliance_auditor", DisplayName: "Audit compliance posture", Required: false},
				{AgentName: "security_hardener", DisplayName: "Apply hardening changes", Required: true, ApprovalRequired: true},
				{AgentName: "report_generator", DisplayName: "Publish hardening report", Required: true},
			},
		},
		{
			Type:              TypeCostOptimization,
			Name:              "Cost Optimization",
			EstimatedDuration: 15 * time.Minute,
			RiskLevel:         "medium",
			Keywords:          []string{"cost", "spend", "savings", "billing"},
			Steps: []Step{
				{AgentName: "cost_analyzer", DisplayName: "Analyze spend", Required: true},
				{AgentName: "cost_optimizer", DisplayName: "Draft optimization plan", Required: true},
				{AgentName: "report_generator", DisplayName: "Publish savings report", Required: false},
			},
		},
		{
			Type:              TypeIncidentResponse,
			Name:              "Incident Response",
			EstimatedDuration: 10 * time.Minute,
			RiskLevel:         "high",
			Keywords:          []string{"incident", "outage", "down", "alert storm"},
			Steps: []Step{
				{AgentName: "incident_triager", DisplayName: "Triage incident", Required: true},
				{AgentName: "incident_resolver", DisplayName: "Apply mitigation", Required: true},
				{AgentName: "report_generator", DisplayName: "Write postmortem draft", Required: false},
			},
		},
		{
			Type:              TypeDeploymentPipeline,
			Name:              "Deployment Pipeline",
			EstimatedDuration: 25 * time.Minute,
			RiskLevel:         "medium",
			Keywords:          []string{"deploy", "release", "rollout", "ship"},
			Steps: []Step{
				{AgentName: "monitoring_agent", DisplayName: "Pre-deployment health check", Required: true},
				{AgentName: "deploy_manager", DisplayName: "Roll out release", Required: true, ApprovalRequired: true},
				{AgentName: "monitoring_agent", DisplayName: "Post-deployment health check", Required: true},
				{AgentName: "report_generator", DisplayName: "Publish deployment summary", Required: false},
			},
		},
	}
}
