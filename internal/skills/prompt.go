package skills

import (
	"fmt"
	"strings"
)

// buildStandardPrompt assembles the prompt body every skill shares: the
// requirement, a pointer to the plan and request files, the workspace
// invariant (inputs/ read-only, outputs/ is where results must land), and
// skill-specific instructions appended last.
func buildStandardPrompt(ec ExecutionContext, plan ExecutionPlan, instructions string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Job %s\n\n", ec.JobID)
	fmt.Fprintf(&b, "## Requirement\n\n%s\n\n", ec.Requirement)

	b.WriteString("## Workspace layout\n\n")
	b.WriteString("- `inputs/` is READ-ONLY. Do not modify or delete anything under it.\n")
	b.WriteString("- `outputs/` is where every deliverable must be written. Nothing written elsewhere is collected.\n")
	b.WriteString("- `job/request.md` restates this requirement; `job/execution-plan.json` is the plan below in machine-readable form.\n\n")

	if len(ec.InputFiles) > 0 {
		b.WriteString("## Input files\n\n")
		for _, f := range ec.InputFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Plan (%s)\n\n", plan.SkillCode)
	for i, step := range plan.Steps {
		fmt.Fprintf(&b, "%d. **%s** - %s\n", i+1, step.Name, step.Description)
	}
	b.WriteString("\n")

	if instructions != "" {
		b.WriteString("## Skill-specific instructions\n\n")
		b.WriteString(instructions)
		b.WriteString("\n")
	}

	return b.String()
}
