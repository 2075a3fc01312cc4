package main

import "github.com/spf13/cobra"

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List and inspect registered skills",
}

var skillsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every skill the server has registered",
	RunE:  runSkillsList,
}

var skillsGetCmd = &cobra.Command{
	Use:   "get [code]",
	Short: "Show a skill's output contract schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillsGet,
}

func init() {
	skillsCmd.AddCommand(skillsListCmd, skillsGetCmd)
}

func runSkillsList(cmd *cobra.Command, args []string) error {
	var result []map[string]interface{}
	if err := apiGet("/api/v1/skills", &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runSkillsGet(cmd *cobra.Command, args []string) error {
	var result map[string]interface{}
	if err := apiGet("/api/v1/skills/"+args[0], &result); err != nil {
		return err
	}
	printJSON(result)
	return nil
}
