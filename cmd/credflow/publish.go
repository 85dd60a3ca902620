package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/credflow/internal/expressions"
	"github.com/rendis/credflow/internal/validation"
	"github.com/rendis/credflow/pkg/schema"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		file   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "publish -f definition.yaml",
		Short: "Validate a workflow definition file and publish it as the next version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := readDefinitionFile(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if dryRun {
				wv, err := validation.NewWorkflowValidator(expressions.NewGuardEvaluator(a.cfg.Engine.GuardTimeout), nil, nil)
				if err != nil {
					return err
				}
				result := wv.Validate(def)
				printIssues(out, result)
				return result.ToError()
			}

			rt, err := newRuntime(cmd.Context(), a.cfg, a.logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.publisher.Publish(cmd.Context(), def)
			if result != nil {
				printIssues(out, result)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "published %s v%d\n", def.ID, def.Version)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file (.yaml, .yml or .json)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readDefinitionFile decodes a YAML or JSON definition. YAML is converted to
// JSON first so both formats share the definition's JSON decoding rules.
func readDefinitionFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeDefinition(data, filepath.Ext(path))
}

func decodeDefinition(data []byte, ext string) (*schema.WorkflowDefinition, error) {
	if !strings.EqualFold(ext, ".json") {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		data = converted
	}
	var def schema.WorkflowDefinition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	for _, issue := range result.Errors {
		fmt.Fprintf(w, "error   %s: %s\n", issue.Path, issue.Message)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(w, "warning %s: %s\n", issue.Path, issue.Message)
	}
}
