package investigation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// FinalResultTool is the name of the synthetic tool through which the model
// hands in its report.
const FinalResultTool = "final_result"

// DefaultSystemPrompt instructs the model how to run an investigation.
const DefaultSystemPrompt = `You are an expert SRE agent. Analyze the logs and use your tools to investigate before concluding.
Call check_database_health and get_server_metrics whenever the logs point at the database or at resource pressure.
When you are done, call final_result with:
- severity: CRITICAL, WARNING or INFO
- diagnostic: a technical explanation of the failure
- remediation_steps: the recommended actions`

// SampleLogs is the demonstration input used by "investigate --sample".
const SampleLogs = `2024-05-20 14:10:02 ERROR service=gateway msg="504 Gateway Timeout"
2024-05-20 14:10:05 ERROR service=api-auth msg="Connection error to database"
`

const finalResultDescription = "Submit the final incident report. Call this exactly once, when the investigation is complete."

// BuildUserPrompt wraps the raw logs into the user turn.
func BuildUserPrompt(logs string) string {
	return "Analyze these logs and use your tools for a complete diagnosis:\n" + logs
}

const maxEchoedOutput = 2000

// BuildCorrectionPrompt asks the model to resubmit a report that failed to
// parse. The rejected output is echoed back, truncated on a rune boundary.
func BuildCorrectionPrompt(rejected string, reason error) string {
	rejected = strings.ToValidUTF8(rejected, "\uFFFD")
	if len(rejected) > maxEchoedOutput {
		n := maxEchoedOutput
		for n > 0 && !utf8.RuneStart(rejected[n]) {
			n--
		}
		rejected = rejected[:n] + "..."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your report was rejected: %v\n", reason)
	b.WriteString("Call final_result again with a JSON object holding exactly these non-empty string fields: severity, diagnostic, remediation_steps.\n")
	b.WriteString("Fix only the structure and keep the content.\n")
	if strings.TrimSpace(rejected) != "" {
		b.WriteString("\nRejected output:\n")
		b.WriteString(rejected)
	}
	return b.String()
}
