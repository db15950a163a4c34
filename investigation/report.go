package investigation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v6"
)

// Severity labels the model is asked to use.
const (
	SeverityCritical = "CRITICAL"
	SeverityWarning  = "WARNING"
	SeverityInfo     = "INFO"
)

// IncidentReport is the structured result of one investigation.
type IncidentReport struct {
	Severity         string `json:"severity" jsonschema:"minLength=1" jsonschema_description:"Incident severity: CRITICAL, WARNING or INFO"`
	Diagnostic       string `json:"diagnostic" jsonschema:"minLength=1" jsonschema_description:"Technical explanation of the failure"`
	RemediationSteps string `json:"remediation_steps" jsonschema:"minLength=1" jsonschema_description:"Recommended remediation actions"`
}

// KnownSeverity reports whether the severity is one of the documented labels.
func (r *IncidentReport) KnownSeverity() bool {
	switch r.Severity {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

const reportSchemaURL = "https://sentinel-ai.local/schemas/incident-report.json"

type reportSchemaSet struct {
	raw      json.RawMessage
	compiled *validator.Schema
}

var loadReportSchema = sync.OnceValues(func() (*reportSchemaSet, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(&IncidentReport{})
	s.Version = ""
	s.ID = ""

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal report schema: %w", err)
	}

	doc, err := validator.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode report schema: %w", err)
	}
	c := validator.NewCompiler()
	if err := c.AddResource(reportSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add report schema: %w", err)
	}
	compiled, err := c.Compile(reportSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile report schema: %w", err)
	}
	return &reportSchemaSet{raw: raw, compiled: compiled}, nil
})

// ReportSchema returns the JSON schema declared to the model for the report.
func ReportSchema() (json.RawMessage, error) {
	set, err := loadReportSchema()
	if err != nil {
		return nil, err
	}
	return set.raw, nil
}
