// Package prompt builds per-item worker prompt templates from a user's
// high-level task description. Templates carry {placeholder} slots filled
// from each unit's payload at dispatch time.
package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// SynthesizeFilePrompt builds a template for file-processing batches,
// anchored on the {file_path} placeholder.
func SynthesizeFilePrompt(userIntent string) string {
	var b strings.Builder
	b.WriteString("You are processing a file as part of a batch operation.\n")
	b.WriteString("\n")
	b.WriteString("FILE TO PROCESS: {file_path}\n")
	b.WriteString("\n")
	writeTask(&b, userIntent)
	writeGuidelines(&b)
	return b.String()
}

// SynthesizeGenericPrompt builds a template for any unit type. payloadFields
// maps payload field names to human descriptions; each becomes a labelled
// placeholder line so the worker sees the unit's data inline.
func SynthesizeGenericPrompt(userIntent, unitType string, payloadFields map[string]string) string {
	var b strings.Builder
	if unitType != "" {
		fmt.Fprintf(&b, "You are processing a %s as part of a batch operation.\n", unitType)
	} else {
		b.WriteString("You are processing an item as part of a batch operation.\n")
	}
	b.WriteString("\n")
	b.WriteString("WORK UNIT DATA:\n")
	b.WriteString("The payload for this work unit is provided below. Use the data to complete your task.\n")

	if len(payloadFields) > 0 {
		b.WriteString("\n")
		fields := make([]string, 0, len(payloadFields))
		for f := range payloadFields {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(&b, "- %s: {%s} (%s)\n", f, f, payloadFields[f])
		}
	}

	b.WriteString("\n")
	writeTask(&b, userIntent)
	writeGuidelines(&b)
	return b.String()
}

func writeTask(b *strings.Builder, userIntent string) {
	b.WriteString("=== YOUR COMPLETE TASK ===\n")
	b.WriteString("The following describes EVERYTHING you must do. Follow ALL instructions including any output/storage requirements:\n")
	b.WriteString("\n")
	b.WriteString(userIntent)
	b.WriteString("\n")
	b.WriteString("\n")
	b.WriteString("=== END TASK ===\n")
}

func writeGuidelines(b *strings.Builder) {
	b.WriteString("\n")
	b.WriteString("EXECUTION GUIDELINES:\n")
	b.WriteString("- Use your available tools to complete this task\n")
	b.WriteString("- Work autonomously - you have full tool access\n")
	b.WriteString("- If you encounter errors, try to resolve them or fail gracefully\n")
	b.WriteString("- Complete ALL parts of the task above, including any output requirements\n")
	b.WriteString("- Report your results clearly at the end\n")
	b.WriteString("\n")
	b.WriteString("Complete ALL aspects of the task and report success or failure.\n")
}
