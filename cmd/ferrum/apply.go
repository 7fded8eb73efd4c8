package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ferrumproject/ferrum/pkg/storage"
	"github.com/ferrumproject/ferrum/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply a Ferrum resource from a YAML file. Existing resources
with the same name are updated.

Examples:
  # Apply a runbook
  ferrum apply -f decommission-runbook.yaml

  # Apply a deploy template
  ferrum apply -f raid1-template.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// FerrumResource represents a generic Ferrum resource
type FerrumResource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var resource FerrumResource
	if err := yaml.Unmarshal(data, &resource); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}
	if resource.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch resource.Kind {
	case "Runbook":
		return applyRunbook(store, &resource)
	case "DeployTemplate":
		return applyDeployTemplate(store, &resource)
	default:
		return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
	}
}

type runbookSpec struct {
	Public bool                 `yaml:"public"`
	Owner  string               `yaml:"owner"`
	Steps  []*types.RunbookStep `yaml:"steps"`
}

func applyRunbook(store storage.Store, resource *FerrumResource) error {
	var spec runbookSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("failed to parse runbook spec: %v", err)
	}
	if len(spec.Steps) == 0 {
		return fmt.Errorf("runbook %q has no steps", resource.Metadata.Name)
	}

	existing, err := store.GetRunbookByName(resource.Metadata.Name)
	if err == nil {
		existing.Steps = spec.Steps
		existing.Public = spec.Public
		existing.Owner = spec.Owner
		if err := store.UpdateRunbook(existing); err != nil {
			return err
		}
		fmt.Printf("Runbook %q updated\n", resource.Metadata.Name)
		return nil
	}
	if !storage.IsNotFound(err) {
		return err
	}

	runbook := &types.Runbook{
		UUID:      uuid.NewString(),
		Name:      resource.Metadata.Name,
		Steps:     spec.Steps,
		Public:    spec.Public,
		Owner:     spec.Owner,
		CreatedAt: time.Now(),
	}
	if err := store.CreateRunbook(runbook); err != nil {
		return err
	}
	fmt.Printf("Runbook %q created\n", resource.Metadata.Name)
	return nil
}

type deployTemplateSpec struct {
	Steps []*types.Step `yaml:"steps"`
}

func applyDeployTemplate(store storage.Store, resource *FerrumResource) error {
	var spec deployTemplateSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("failed to parse deploy template spec: %v", err)
	}
	if len(spec.Steps) == 0 {
		return fmt.Errorf("deploy template %q has no steps", resource.Metadata.Name)
	}

	existing, err := store.GetDeployTemplateByName(resource.Metadata.Name)
	if err == nil {
		existing.Steps = spec.Steps
		if err := store.UpdateDeployTemplate(existing); err != nil {
			return err
		}
		fmt.Printf("Deploy template %q updated\n", resource.Metadata.Name)
		return nil
	}
	if !storage.IsNotFound(err) {
		return err
	}

	template := &types.DeployTemplate{
		UUID:      uuid.NewString(),
		Name:      resource.Metadata.Name,
		Steps:     spec.Steps,
		CreatedAt: time.Now(),
	}
	if err := store.CreateDeployTemplate(template); err != nil {
		return err
	}
	fmt.Printf("Deploy template %q created\n", resource.Metadata.Name)
	return nil
}
