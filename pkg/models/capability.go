package models

import (
	"strings"

	"github.com/pkg/errors"
)

// Capability is the closed set of agent categories a task may target.
type Capability string

const (
	OrchestratorCapability Capability = "ORCHESTRATOR"
	DeploymentCapability   Capability = "DEPLOYMENT"
	MonitoringCapability   Capability = "MONITORING"
	DiagnosisCapability    Capability = "DIAGNOSIS"
)

var ErrUnknownCapability = errors.New("unknown capability")

// capabilitySynonyms maps the free-form names planning output tends to emit
// onto canonical capabilities. Lookup is fail-closed: anything outside this
// table is an error, never a default route.
var capabilitySynonyms = map[string]Capability{
	"orchestrator": OrchestratorCapability,
	"orchestrate":  OrchestratorCapability,
	"plan":         OrchestratorCapability,
	"planner":      OrchestratorCapability,
	"planning":     OrchestratorCapability,
	"deployment":   DeploymentCapability,
	"deploy":       DeploymentCapability,
	"build":        DeploymentCapability,
	"builder":      DeploymentCapability,
	"release":      DeploymentCapability,
	"monitoring":   MonitoringCapability,
	"monitor":      MonitoringCapability,
	"health":       MonitoringCapability,
	"healthcheck":  MonitoringCapability,
	"watch":        MonitoringCapability,
	"diagnosis":    DiagnosisCapability,
	"diagnose":     DiagnosisCapability,
	"debug":        DiagnosisCapability,
	"rca":          DiagnosisCapability,
}

// ParseCapability normalizes a free-text capability name to its canonical
// variant.
func ParseCapability(name string) (Capability, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.Trim(key, `"'`)
	if c, ok := capabilitySynonyms[key]; ok {
		return c, nil
	}
	return "", errors.Wrap(ErrUnknownCapability, name)
}
